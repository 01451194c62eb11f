package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/collector/stream"
	"github.com/leshachaplin/tracker/internal/storage/event/clickhouse"
	httptransport "github.com/leshachaplin/tracker/internal/transport/http"
	"github.com/leshachaplin/tracker/internal/transport/redpanda"
	"github.com/leshachaplin/tracker/tracker"
)

const (
	TransportHTTP     = "http"
	TransportRedpanda = "redpanda"

	StorageMemory     = "memory"
	StorageClickhouse = "clickhouse"
)

// Config is the main config for the application
type Config struct {
	LogLevel  string               `mapstructure:"log_level"`
	Agent     Agent                `mapstructure:"agent"`
	Transport string               `mapstructure:"transport"`
	HTTP      httptransport.Config `mapstructure:"http"`
	Redpanda  redpanda.Config      `mapstructure:"redpanda"`
	Tracker   tracker.Config       `mapstructure:"tracker"`
	Collector Collector            `mapstructure:"collector"`
}

type Agent struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type Collector struct {
	collector.Config `mapstructure:",squash"`
	Clickhouse       clickhouse.Config `mapstructure:"clickhouse"`
	// Stream, when its brokers are set, also ingests batches from Redpanda.
	Stream stream.Config `mapstructure:"stream"`
}

func Default() Config {
	return Config{
		LogLevel:  "INFO",
		Agent:     Agent{Addr: "127.0.0.1:8090"},
		Transport: TransportHTTP,
		Collector: Collector{
			Config: collector.Config{
				Addr:    ":8080",
				Storage: StorageMemory,
			},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Decode maps raw onto out through the mapstructure tags. Durations accept
// strings such as "10s".
func Decode(raw map[string]interface{}, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// ValidateAgent checks what trackerd needs to start.
func (c Config) ValidateAgent() error {
	var errs []error
	if c.Tracker.Queue.Path == "" {
		errs = append(errs, errors.New("tracker.queue.path is required"))
	}
	switch c.Transport {
	case TransportHTTP:
		if c.Tracker.Dispatcher.Endpoint == "" {
			errs = append(errs, errors.New("tracker.dispatcher.endpoint is required for the http transport"))
		}
	case TransportRedpanda:
		if len(c.Redpanda.Brokers) == 0 {
			errs = append(errs, errors.New("redpanda.brokers is required for the redpanda transport"))
		}
		if c.Redpanda.Topic == "" && c.Tracker.Dispatcher.Endpoint == "" {
			errs = append(errs, errors.New("redpanda.topic or tracker.dispatcher.endpoint is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	return errors.Join(errs...)
}

// ValidateCollector checks what the collector needs to start.
func (c Config) ValidateCollector() error {
	var errs []error
	switch c.Collector.Storage {
	case StorageMemory:
	case StorageClickhouse:
		if c.Collector.Clickhouse.Addr == "" {
			errs = append(errs, errors.New("collector.clickhouse.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown collector storage %q", c.Collector.Storage))
	}
	if len(c.Collector.Stream.Brokers) > 0 {
		if c.Collector.Stream.ConsumerGroup == "" {
			errs = append(errs, errors.New("collector.stream.consumer_group is required"))
		}
		if len(c.Collector.Stream.Topics) == 0 {
			errs = append(errs, errors.New("collector.stream.topics is required"))
		}
	}
	return errors.Join(errs...)
}
