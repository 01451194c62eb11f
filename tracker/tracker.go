// Package tracker is the entry point for recording events. A Tracker owns a
// durable queue, an opt-out gate and a background dispatcher; events
// submitted to it survive restarts and are delivered at least once unless
// tracking is disabled.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/clock"
	"github.com/leshachaplin/tracker/internal/domain"
	"github.com/leshachaplin/tracker/internal/optout"
	"github.com/leshachaplin/tracker/internal/storage/queue"
	"github.com/leshachaplin/tracker/internal/transport"
	"github.com/leshachaplin/tracker/internal/worker"
)

const visitorIDKey = "visitor_id"

type (
	Event      = domain.Event
	Values     = domain.Values
	Field      = domain.Field
	Params     = domain.Params
	Result     = domain.Result
	Status     = domain.Status
	Completion = domain.Completion
	AppInfo    = domain.AppInfo
)

const (
	Success   = domain.Success
	Failure   = domain.Failure
	Cancelled = domain.Cancelled
)

var ErrClosed = errors.New("tracker: closed")

type Config struct {
	AppKey string `mapstructure:"app_key"`
	// OptOut is the initial state when none has been persisted.
	OptOut     bool          `mapstructure:"opt_out"`
	Queue      queue.Config  `mapstructure:"queue"`
	Dispatcher worker.Config `mapstructure:"dispatcher"`
	AppInfo    AppInfo       `mapstructure:"app_info"`
}

type Option func(*options)

type options struct {
	clock clock.Clock
	hook  func(from, to worker.State)
}

// WithClock replaces the clock driving flush intervals and backoff.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithStateHook observes dispatcher state changes.
func WithStateHook(fn func(from, to worker.State)) Option {
	return func(o *options) {
		o.hook = fn
	}
}

type Tracker struct {
	queue      *queue.Queue
	gate       *optout.Gate
	dispatcher *worker.Dispatcher
	notifier   *worker.Notifier
	rejections *rejectionFilter

	visitorMu sync.RWMutex
	visitorID string

	closed    atomic.Bool
	closeOnce sync.Once
	logger    zerolog.Logger
}

func New(ctx context.Context, cfg Config, t transport.Transport, logger zerolog.Logger, opts ...Option) (*Tracker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With().Str("component", "tracker").Logger()
	notifier := worker.NewNotifier(logger)

	q, err := queue.Open(ctx, cfg.Queue, logger, queue.WithEvictionHandler(func(seqs []uint64) {
		notifier.Fail(seqs, domain.ErrEvicted)
	}))
	if err != nil {
		notifier.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	tr := &Tracker{
		queue:      q,
		notifier:   notifier,
		rejections: newRejectionFilter(),
		logger:     logger,
	}

	fail := func(err error) (*Tracker, error) {
		notifier.Close()
		_ = q.Close()
		return nil, err
	}

	if tr.visitorID, err = loadVisitorID(ctx, q); err != nil {
		return fail(err)
	}

	tr.gate, err = optout.New(ctx, q, q, cfg.OptOut, logger)
	if err != nil {
		return fail(err)
	}

	header := http.Header{}
	if cfg.AppKey != "" {
		header.Set(transport.HeaderAppKey, cfg.AppKey)
	}
	dispatcherOpts := []worker.Option{
		worker.WithHeader(header),
		worker.WithAppInfo(cfg.AppInfo),
	}
	if o.clock != nil {
		dispatcherOpts = append(dispatcherOpts, worker.WithClock(o.clock))
	}
	if o.hook != nil {
		dispatcherOpts = append(dispatcherOpts, worker.WithTransitionHook(o.hook))
	}

	tr.dispatcher, err = worker.New(ctx, cfg.Dispatcher, q, t, notifier, logger, dispatcherOpts...)
	if err != nil {
		return fail(err)
	}

	tr.gate.Subscribe(func(s optout.State) {
		if s == optout.OptedOut {
			tr.dispatcher.Halt()
			notifier.CancelAll(optout.ErrOptedOut)
		}
	})

	tr.dispatcher.Start()

	// resume entries left by a previous run
	if n, err := q.Len(ctx); err == nil && n > 0 {
		logger.Info().Int("pending", n).Msg("resuming queued events")
		tr.dispatcher.Notify()
	}

	return tr, nil
}

func loadVisitorID(ctx context.Context, q *queue.Queue) (string, error) {
	id, ok, err := q.Setting(ctx, visitorIDKey)
	if err != nil {
		return "", fmt.Errorf("load visitor id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := q.SetSetting(ctx, visitorIDKey, id); err != nil {
		return "", fmt.Errorf("persist visitor id: %w", err)
	}
	return id, nil
}

// Submit enqueues ev and returns immediately. done, if set, receives the
// terminal result on a background goroutine. Nothing is reported while
// tracking is disabled.
func (t *Tracker) Submit(ev Event, done Completion) {
	if t.closed.Load() {
		t.logger.Debug().Str("event", ev.Name).Msg("submit after close ignored")
		return
	}

	if t.rejections.rejects(ev) {
		t.logger.Debug().Str("event", ev.Name).Str("library", ev.LibraryName).Msg("event rejected by filter")
		t.notifier.Deliver(done, Result{Status: Failure, Reason: domain.ErrRejected})
		return
	}

	for _, warning := range domain.Deprecations(ev) {
		t.logger.Warn().Str("event", ev.Name).Msg(warning)
	}

	if ev.VisitorID == "" {
		ev = ev.WithVisitorID(t.VisitorID())
	}

	var registered func(uint64)
	if done != nil {
		registered = func(seq uint64) { t.notifier.Register(seq, done) }
	}

	_, err := t.gate.Append(context.Background(), ev, registered)
	switch {
	case err == nil:
		t.dispatcher.Notify()
	case errors.Is(err, optout.ErrOptedOut):
		t.logger.Trace().Str("event", ev.Name).Msg("tracking disabled, event dropped")
	default:
		t.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to enqueue event")
		t.notifier.Deliver(done, Result{Status: Failure, Reason: err})
	}
}

// SubmitWait enqueues ev and returns a channel that receives its terminal
// result. The channel never receives while tracking is disabled.
func (t *Tracker) SubmitWait(ev Event) <-chan Result {
	ch := make(chan Result, 1)
	t.Submit(ev, func(r Result) { ch <- r })
	return ch
}

func (t *Tracker) Track(name string, params Params) error {
	ev, err := domain.NewEvent(name, params)
	if err != nil {
		return err
	}
	return t.submit(ev, params.Completion)
}

func (t *Tracker) Identify(userID string, params Params) error {
	ev, err := domain.NewIdentifyEvent(userID, params)
	if err != nil {
		return err
	}
	return t.submit(ev, params.Completion)
}

func (t *Tracker) View(viewName, title string, params Params) error {
	ev, err := domain.NewViewEvent(viewName, title, params)
	if err != nil {
		return err
	}
	return t.submit(ev, params.Completion)
}

func (t *Tracker) submit(ev Event, done Completion) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.Submit(ev, done)
	return nil
}

func (t *Tracker) SetOptOut(ctx context.Context, optOut bool) error {
	return t.gate.SetOptOut(ctx, optOut)
}

// OptOutTemporarily disables tracking until the process restarts.
func (t *Tracker) OptOutTemporarily(ctx context.Context) error {
	return t.gate.OptOutTemporarily(ctx)
}

func (t *Tracker) IsOptedOut() bool {
	return t.gate.IsOptedOut()
}

func (t *Tracker) VisitorID() string {
	t.visitorMu.RLock()
	defer t.visitorMu.RUnlock()
	return t.visitorID
}

// RenewVisitorID replaces the persisted visitor id. Events already queued
// keep the id they were submitted with.
func (t *Tracker) RenewVisitorID(ctx context.Context) (string, error) {
	t.visitorMu.Lock()
	defer t.visitorMu.Unlock()

	id := uuid.NewString()
	if err := t.queue.SetSetting(ctx, visitorIDKey, id); err != nil {
		return "", err
	}
	t.logger.Info().Str("previous", t.visitorID).Str("visitor_id", id).Msg("visitor id renewed")
	t.visitorID = id
	return id, nil
}

// AddRejectionRule drops matching events at submit.
func (t *Tracker) AddRejectionRule(rule RejectionRule) {
	t.rejections.add(rule)
}

// Flush asks the dispatcher to drain now.
func (t *Tracker) Flush() { t.dispatcher.Flush() }

// Foreground signals the application came to the foreground.
func (t *Tracker) Foreground() { t.dispatcher.Foreground() }

func (t *Tracker) Pending(ctx context.Context) (int, error) {
	return t.queue.Len(ctx)
}

func (t *Tracker) Stats() queue.Stats {
	return t.queue.Stats()
}

func (t *Tracker) State() worker.State {
	return t.dispatcher.State()
}

// Close stops delivery, reports pending completions as Cancelled and closes
// the store. Queued events stay persisted for the next run.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.dispatcher.GracefulStop()
		t.notifier.CancelAll(domain.ErrShutdown)
		t.notifier.Close()
		err = t.queue.Close()
	})
	return err
}
