package app

import (
	"context"
	"fmt"

	"github.com/leshachaplin/tracker/internal/config"
	appServer "github.com/leshachaplin/tracker/internal/server/http"
	"github.com/leshachaplin/tracker/internal/transport"
	httptransport "github.com/leshachaplin/tracker/internal/transport/http"
	"github.com/leshachaplin/tracker/internal/transport/redpanda"
	"github.com/leshachaplin/tracker/tracker"
)

// StartAgent runs trackerd until the app is stopped or a signal arrives.
// Pending events stay in the queue for the next start.
func (a *App) StartAgent() error {
	defer a.cancelFn()

	t, closeTransport, err := a.newTransport()
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer func() {
		if err := closeTransport(); err != nil {
			a.logger.Error().Err(err).Msg("close transport")
		}
	}()

	tr, err := tracker.New(a.ctx, a.cfg.Tracker, t, a.logger)
	if err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	defer tr.Close()

	a.logger.Info().
		Str("transport", a.cfg.Transport).
		Str("visitor_id", tr.VisitorID()).
		Bool("opt_out", tr.IsOptedOut()).
		Msg("tracker started")

	server := appServer.New(appServer.NewHandler(tr, a.cfg.Agent.MaxBodyBytes, a.logger))
	a.waitForServer(a.cfg.Agent.Addr, server, appServer.LoopbackOnly)
	a.waitForTracker(tr)

	return a.waiter.Wait()
}

func (a *App) newTransport() (transport.Transport, func() error, error) {
	switch a.cfg.Transport {
	case config.TransportRedpanda:
		producer, err := redpanda.NewProducer(a.ctx, a.cfg.Redpanda, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return producer, producer.Close, nil
	case config.TransportHTTP, "":
		return httptransport.New(a.cfg.HTTP, a.logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

func (a *App) waitForTracker(tr *tracker.Tracker) {
	a.waiter.Add(func(ctx context.Context) error {
		<-ctx.Done()
		a.logger.Info().Msg("stopping tracker")
		return tr.Close()
	})
}
