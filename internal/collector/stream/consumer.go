package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/transport"
)

const (
	defaultPollFetchesTimeout = 15 * time.Second
	defaultRetryCount         = 10
	defaultRetryDelay         = time.Second
	defaultNumWorkers         = 4
)

type Config struct {
	Brokers            []string      `mapstructure:"brokers"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	Topics             []string      `mapstructure:"topics"`
	RetryCount         int           `mapstructure:"retry_count"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	PollFetchesTimeout time.Duration `mapstructure:"poll_fetches_timeout"`
	NumWorkers         int           `mapstructure:"num_workers"`
}

func (c Config) withDefaults() Config {
	if c.PollFetchesTimeout <= 0 {
		c.PollFetchesTimeout = defaultPollFetchesTimeout
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = defaultNumWorkers
	}
	return c
}

// Consumer reads batch records produced by the tracker's Redpanda
// transport. Offsets are committed manually once a fetch is processed.
type Consumer struct {
	client             *kgo.Client
	pollFetchesTimeout time.Duration
	errChan            chan<- error
	logger             zerolog.Logger
}

func NewConsumer(ctx context.Context, cfg Config, errChan chan<- error, logger zerolog.Logger) (*Consumer, error) {
	cfg = cfg.withDefaults()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kgo new client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, err
	}

	return &Consumer{
		client:             client,
		pollFetchesTimeout: cfg.PollFetchesTimeout,
		errChan:            errChan,
		logger:             logger.With().Str("component", "stream_consumer").Logger(),
	}, nil
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// deliveryFromRecord maps a record back to the request the tracker sent.
func deliveryFromRecord(record *kgo.Record) collector.Delivery {
	d := collector.Delivery{
		PayloadID: string(record.Key),
		Body:      record.Value,
	}
	for _, h := range record.Headers {
		switch h.Key {
		case "Content-Encoding":
			d.Encoding = string(h.Value)
		case transport.HeaderAppKey:
			d.AppKey = string(h.Value)
		case transport.HeaderPayloadID:
			if d.PayloadID == "" {
				d.PayloadID = string(h.Value)
			}
		}
	}
	return d
}

// Consume polls until ctx is cancelled or done is closed. fn handles every
// fetch; its records are committed only when fn succeeds.
func (c *Consumer) Consume(ctx context.Context, done <-chan struct{}, fn func(ctx context.Context, records []*kgo.Record) error) {
	c.consume(ctx, done, func(fetches kgo.Fetches) error {
		records := fetches.Records()
		if len(records) == 0 {
			return nil
		}
		if err := fn(ctx, records); err != nil {
			return err
		}
		if err := c.client.CommitRecords(ctx, records...); err != nil {
			return fmt.Errorf("commit records: %w", err)
		}
		return nil
	})
}

func (c *Consumer) consume(ctx context.Context, done <-chan struct{}, fn func(fetches kgo.Fetches) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
			fetchCtx, cancel := context.WithTimeout(ctx, c.pollFetchesTimeout)
			fetches := c.client.PollFetches(fetchCtx)
			cancel()

			if fetches.IsClientClosed() {
				c.report(errors.New("client closed"))
				return
			}

			if err := fetches.Err(); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}

				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}

				c.report(fmt.Errorf("stream poll fetches: %w", err))
				continue
			}

			if err := fn(fetches); err != nil {
				c.logger.Error().Err(err).Msg("fetch not committed")
				c.report(err)
				continue
			}
		}
	}
}

func (c *Consumer) report(err error) {
	select {
	case c.errChan <- err:
	default:
	}
}
