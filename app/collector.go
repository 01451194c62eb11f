package app

import (
	"context"
	"fmt"

	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/collector/stream"
	"github.com/leshachaplin/tracker/internal/config"
	appServer "github.com/leshachaplin/tracker/internal/server/http"
	"github.com/leshachaplin/tracker/internal/storage/event/clickhouse"
	"github.com/leshachaplin/tracker/internal/storage/event/memory"
)

// StartCollector serves the ingestion endpoint and, when stream brokers are
// configured, also ingests batches from Redpanda.
func (a *App) StartCollector() error {
	defer a.cancelFn()

	storage, closeStorage, err := a.newStorage()
	if err != nil {
		return fmt.Errorf("start storage: %w", err)
	}
	defer func() {
		if err := closeStorage(); err != nil {
			a.logger.Error().Err(err).Msg("close storage")
		}
	}()

	service := collector.NewService(storage, a.cfg.Collector.MaxBodyBytes, a.logger)
	server := appServer.New(collector.NewHandler(service, a.cfg.Collector.AppKeys, a.logger))
	a.waitForServer(a.cfg.Collector.Addr, server)

	if len(a.cfg.Collector.Stream.Brokers) > 0 {
		if err := a.waitForStream(service); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
	}

	a.logger.Info().Str("storage", a.cfg.Collector.Storage).Msg("collector started")
	return a.waiter.Wait()
}

func (a *App) newStorage() (collector.Storage, func() error, error) {
	switch a.cfg.Collector.Storage {
	case config.StorageClickhouse:
		ch, err := clickhouse.New(a.ctx, a.cfg.Collector.Clickhouse, a.logger)
		if err != nil {
			return nil, nil, err
		}
		if err := ch.Migrate(a.ctx); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return ch, ch.Close, nil
	case config.StorageMemory, "":
		return memory.New(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", a.cfg.Collector.Storage)
	}
}

func (a *App) waitForStream(service *collector.Service) error {
	errChan := make(chan error, 1)
	consumer, err := stream.NewConsumer(a.ctx, a.cfg.Collector.Stream, errChan, a.logger)
	if err != nil {
		return err
	}

	pool := stream.NewPool(a.ctx, a.cfg.Collector.Stream, consumer, service, a.logger)
	pool.Start()

	a.waiter.Add(func(ctx context.Context) error {
		defer func() {
			pool.GracefulStop()
			_ = consumer.Close()
			a.logger.Info().Msg("stream stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-errChan:
				a.logger.Error().Err(err).Msg("stream consumer")
			}
		}
	})
	return nil
}
