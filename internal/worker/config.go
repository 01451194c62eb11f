package worker

import (
	"time"

	"github.com/leshachaplin/tracker/internal/codec"
)

const (
	defaultBatchSize           = 10
	defaultMaxBatchBytes       = 512 << 10
	defaultFlushInterval       = 10 * time.Second
	defaultMaxAttempts         = 4
	defaultInitialBackoff      = 500 * time.Millisecond
	defaultMaxBackoff          = 30 * time.Second
	defaultBackoffMultiplier   = 4
	defaultSendTimeout         = 30 * time.Second
	defaultCircuitThreshold    = 3
	defaultCircuitRecoverAfter = 5 * time.Minute
	defaultRateLimit           = 200
	defaultRateWindow          = time.Minute
)

type Config struct {
	Endpoint      string        `mapstructure:"endpoint"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxBatchBytes int           `mapstructure:"max_batch_bytes"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Compression   string        `mapstructure:"compression"`

	// MaxAttempts bounds delivery attempts per event, the first one included.
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`

	// CircuitThreshold consecutive transient failures pause sending for
	// CircuitRecoverAfter. Negative disables the breaker.
	CircuitThreshold    int           `mapstructure:"circuit_threshold"`
	CircuitRecoverAfter time.Duration `mapstructure:"circuit_recover_after"`

	// RateLimit events per RateWindow. Negative disables the limit.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = defaultMaxBatchBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.Compression == "" {
		c.Compression = codec.Gzip
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = defaultCircuitThreshold
	}
	if c.CircuitRecoverAfter <= 0 {
		c.CircuitRecoverAfter = defaultCircuitRecoverAfter
	}
	if c.RateLimit == 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.RateLimit > 0 && c.BatchSize > c.RateLimit {
		c.BatchSize = c.RateLimit
	}
	return c
}
