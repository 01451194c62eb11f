package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/leshachaplin/tracker/internal/apierror"
	"github.com/leshachaplin/tracker/internal/collector"
)

type Ingester interface {
	Ingest(ctx context.Context, d collector.Delivery) (int, error)
}

type Source interface {
	Consume(ctx context.Context, done <-chan struct{}, fn func(ctx context.Context, records []*kgo.Record) error)
}

// Pool ingests every fetch with up to NumWorkers records in flight.
type Pool struct {
	numWorkers int
	retryCount int
	retryDelay time.Duration
	source     Source
	ingester   Ingester
	start      sync.Once
	stop       sync.Once
	doneChan   chan struct{}
	ctx        context.Context
	cancelFn   context.CancelFunc
	wg         *sync.WaitGroup
	logger     zerolog.Logger
}

func NewPool(ctx context.Context, cfg Config, source Source, ingester Ingester, logger zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	c, cancelFn := context.WithCancel(ctx)
	return &Pool{
		numWorkers: cfg.NumWorkers,
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		source:     source,
		ingester:   ingester,
		doneChan:   make(chan struct{}),
		ctx:        c,
		cancelFn:   cancelFn,
		wg:         &sync.WaitGroup{},
		logger:     logger.With().Str("component", "stream_pool").Logger(),
	}
}

func (p *Pool) Start() {
	p.start.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.source.Consume(p.ctx, p.doneChan, p.process)
		}()
	})
}

func (p *Pool) GracefulStop() {
	p.stop.Do(func() {
		close(p.doneChan)
		p.cancelFn()
		p.wg.Wait()
	})
}

func (p *Pool) process(ctx context.Context, records []*kgo.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.numWorkers)

	for _, record := range records {
		record := record
		g.Go(func() error {
			return p.ingest(gctx, record)
		})
	}
	return g.Wait()
}

// ingest stores one record, retrying storage failures. Records the
// collector refuses are logged and skipped.
func (p *Pool) ingest(ctx context.Context, record *kgo.Record) error {
	d := deliveryFromRecord(record)
	logger := p.logger.With().Str("payload_id", d.PayloadID).Int64("offset", record.Offset).Logger()

	var err error
	for attempt := 1; attempt <= p.retryCount; attempt++ {
		var n int
		n, err = p.ingester.Ingest(ctx, d)
		if err == nil {
			logger.Debug().Int("events", n).Msg("record ingested")
			return nil
		}

		var apiErr apierror.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode() < http.StatusInternalServerError {
			logger.Warn().Err(err).Msg("record refused, skipping")
			return nil
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("ingest failed")
		if attempt == p.retryCount {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	return err
}
