package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/leshachaplin/tracker/app/waiter"
	"github.com/leshachaplin/tracker/internal/config"
	appServer "github.com/leshachaplin/tracker/internal/server/http"
)

const shutdownTimeout = time.Minute

type LoadConfigFn func() (config.Config, error)

// App owns the lifecycle of one process: trackerd or the collector.
type App struct {
	cfg    config.Config
	logger zerolog.Logger
	waiter waiter.Waiter

	ctx      context.Context
	cancelFn context.CancelFunc
}

type appOptions struct {
	logOutput  io.Writer
	waiterOpts []waiter.Option
}

type Option func(*appOptions)

// WithLogOutput redirects the process logger.
func WithLogOutput(w io.Writer) Option {
	return func(o *appOptions) {
		o.logOutput = w
	}
}

// WithWaiterOptions is passed to the process waiter, e.g. to change the
// shutdown signals.
func WithWaiterOptions(opts ...waiter.Option) Option {
	return func(o *appOptions) {
		o.waiterOpts = append(o.waiterOpts, opts...)
	}
}

func New(loadConfigFn LoadConfigFn, opts ...Option) (*App, error) {
	var options appOptions
	for _, opt := range opts {
		opt(&options)
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	return &App{
		cfg:      cfg,
		logger:   NewZeroLogger(level, options.logOutput),
		waiter:   waiter.NewWaiter(ctx, cancelFn, options.waiterOpts...),
		ctx:      ctx,
		cancelFn: cancelFn,
	}, nil
}

func (a *App) Logger() zerolog.Logger {
	return a.logger
}

func (a *App) Stop() {
	a.cancelFn()
}

func (a *App) waitForServer(addr string, server *appServer.Server, mws ...func(http.Handler) http.Handler) {
	a.waiter.Add(func(ctx context.Context) error {
		group, gCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			a.logger.Info().Str("addr", addr).Msg("server started")
			defer a.logger.Info().Str("addr", addr).Msg("server stopped")

			err := server.ServePublic(addr, mws...)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", addr, err)
			}
			return nil
		})
		group.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return server.ShutdownPublic(shutdownCtx)
		})

		return group.Wait()
	})
}
