package waiter

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Waiter runs long-lived functions until one fails, the context ends or a
// signal arrives. Every function sees the same cancelled context on exit.
type Waiter interface {
	Add(fns ...func(ctx context.Context) error)
	Wait() error
	Context() context.Context
}

type waiterCfg struct {
	signals []os.Signal
}

type waiter struct {
	mu       sync.Mutex
	fns      []func(ctx context.Context) error
	ctx      context.Context
	cancelFn context.CancelFunc
	cfg      waiterCfg
}

func NewWaiter(ctx context.Context, cancelFn context.CancelFunc, opts ...Option) Waiter {
	cfg := waiterCfg{
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &waiter{
		ctx:      ctx,
		cancelFn: cancelFn,
		cfg:      cfg,
	}
}

func (w *waiter) Add(fns ...func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns = append(w.fns, fns...)
}

func (w *waiter) Context() context.Context {
	return w.ctx
}

func (w *waiter) Wait() error {
	w.mu.Lock()
	fns := w.fns
	w.mu.Unlock()

	ctx := w.ctx
	if len(w.cfg.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, w.cfg.signals...)
		defer stop()
	}

	group, gCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gCtx.Done()
		w.cancelFn()
		return nil
	})
	for _, fn := range fns {
		fn := fn
		group.Go(func() error {
			return fn(gCtx)
		})
	}

	return group.Wait()
}
