package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/leshachaplin/tracker/internal/transport"
)

const defaultProduceTimeout = 10 * time.Second

type Config struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	ProduceTimeout time.Duration `mapstructure:"produce_timeout"`
}

// Producer delivers batches as single records. The request endpoint, when
// set, names the topic.
type Producer struct {
	client         *kgo.Client
	topic          string
	produceTimeout time.Duration
	logger         zerolog.Logger
}

func NewProducer(
	ctx context.Context,
	cfg Config,
	logger zerolog.Logger,
) (*Producer, error) {
	clientOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordRetries(1),
	}

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("kgo new client: %w", err)
	}

	if err = client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	producer := &Producer{
		client:         client,
		topic:          cfg.Topic,
		produceTimeout: cfg.ProduceTimeout,
		logger:         logger.With().Str("component", "transport_redpanda").Logger(),
	}
	if producer.produceTimeout <= 0 {
		producer.produceTimeout = defaultProduceTimeout
	}

	return producer, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

func (p *Producer) Deliver(ctx context.Context, req transport.Request) transport.Outcome {
	topic := req.Endpoint
	if topic == "" {
		topic = p.topic
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(req.PayloadID),
		Value: req.Body,
	}
	for k, values := range req.Header {
		for _, v := range values {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	if req.PayloadID != "" {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   transport.HeaderPayloadID,
			Value: []byte(req.PayloadID),
		})
	}

	produceCtx, cancel := context.WithTimeout(ctx, p.produceTimeout)
	res := p.client.ProduceSync(produceCtx, record)
	cancel()

	if err := res.FirstErr(); err != nil {
		kind := classify(err)
		p.logger.Debug().Err(err).Str("topic", topic).Str("outcome", kind.String()).Msg("produce failed")
		return transport.Outcome{Kind: kind, Err: fmt.Errorf("produce sync: %w", err)}
	}
	return transport.Outcome{Kind: transport.Accepted}
}

func classify(err error) transport.Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transport.TransientFailure
	}

	var kafkaErr *kerr.Error
	if errors.As(err, &kafkaErr) {
		if kafkaErr.Retriable {
			return transport.TransientFailure
		}
		return transport.ClientRejected
	}

	return transport.TransientFailure
}
