package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leshachaplin/tracker/internal/clock"
	"github.com/leshachaplin/tracker/internal/codec"
	"github.com/leshachaplin/tracker/internal/domain"
	"github.com/leshachaplin/tracker/internal/storage/queue"
	"github.com/leshachaplin/tracker/internal/transport"
)

type State int32

const (
	Idle State = iota
	Draining
	Sending
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Sending:
		return "sending"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type Queue interface {
	PeekBatch(ctx context.Context, maxCount, maxBytes int) ([]queue.Entry, error)
	Acknowledge(ctx context.Context, seqs []uint64) error
	Requeue(ctx context.Context, seqs []uint64, increment int) error
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithHeader adds static headers to every delivery.
func WithHeader(h http.Header) Option {
	return func(d *Dispatcher) {
		for k, v := range h {
			d.header[k] = append([]string(nil), v...)
		}
	}
}

func WithAppInfo(info domain.AppInfo) Option {
	return func(d *Dispatcher) {
		d.appInfo = info
	}
}

// WithTransitionHook observes every state change. The hook runs on the
// dispatcher goroutine and must not block.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(d *Dispatcher) {
		d.onTransition = fn
	}
}

// Dispatcher drains the queue in batches, one batch in flight at a time.
// It is the only caller of Acknowledge and Requeue.
type Dispatcher struct {
	cfg       Config
	queue     Queue
	transport transport.Transport
	codec     codec.Codec
	notifier  *Notifier
	clock     clock.Clock
	backoff   backoffPolicy
	breaker   *circuitBreaker
	limiter   *rate.Limiter
	header    http.Header
	appInfo   domain.AppInfo

	// batchBytes bounds the events of one batch once the payload envelope
	// is taken out of MaxBatchBytes.
	batchBytes int

	state        atomic.Int32
	onTransition func(from, to State)

	trigger chan struct{}
	halt    chan struct{}
	epoch   atomic.Uint64

	sendMu     sync.Mutex
	cancelSend context.CancelFunc

	start    sync.Once
	stop     sync.Once
	doneChan chan struct{}
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
	logger   zerolog.Logger
}

func New(
	ctx context.Context,
	cfg Config,
	q Queue,
	t transport.Transport,
	notifier *Notifier,
	logger zerolog.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	cfg = cfg.withDefaults()

	c, err := codec.New(cfg.Compression)
	if err != nil {
		return nil, err
	}

	dctx, cancelFn := context.WithCancel(ctx)
	d := &Dispatcher{
		cfg:       cfg,
		queue:     q,
		transport: t,
		codec:     c,
		notifier:  notifier,
		clock:     clock.Real(),
		backoff: backoffPolicy{
			Initial:    cfg.InitialBackoff,
			Max:        cfg.MaxBackoff,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.BackoffJitter,
		},
		breaker: &circuitBreaker{
			threshold:    cfg.CircuitThreshold,
			recoverAfter: cfg.CircuitRecoverAfter,
		},
		header:   http.Header{},
		trigger:  make(chan struct{}, 1),
		halt:     make(chan struct{}, 1),
		doneChan: make(chan struct{}),
		ctx:      dctx,
		cancelFn: cancelFn,
		wg:       &sync.WaitGroup{},
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/cfg.RateWindow.Seconds()), cfg.RateLimit)
	}
	for _, opt := range opts {
		opt(d)
	}

	d.batchBytes, err = batchBudget(cfg.MaxBatchBytes, d.appInfo)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dispatcher) Start() {
	d.start.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// GracefulStop cancels any in-flight delivery and waits for the dispatcher
// goroutine. Queued entries are left untouched.
func (d *Dispatcher) GracefulStop() {
	d.stop.Do(func() {
		close(d.doneChan)
		d.cancelFn()
		d.wg.Wait()
	})
}

// Notify schedules a drain. Calls made while a drain is pending collapse
// into one.
func (d *Dispatcher) Notify() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Flush() { d.Notify() }

func (d *Dispatcher) Foreground() { d.Notify() }

// Halt abandons the current drain: an in-flight delivery is cancelled and a
// pending backoff ends. The dispatcher returns to Idle and keeps serving
// later triggers.
func (d *Dispatcher) Halt() {
	d.epoch.Add(1)

	d.sendMu.Lock()
	if d.cancelSend != nil {
		d.cancelSend()
	}
	d.sendMu.Unlock()

	select {
	case d.halt <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev == s {
		return
	}
	d.logger.Trace().Str("from", prev.String()).Str("to", s.String()).Msg("state change")
	if d.onTransition != nil {
		d.onTransition(prev, s)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.doneChan:
			return
		case <-d.halt:
			continue
		case <-d.trigger:
		case <-ticker.C:
		}
		d.drain()
	}
}

func (d *Dispatcher) drain() {
	epoch := d.epoch.Load()
	defer d.setState(Idle)

	for d.active(epoch) {
		d.setState(Draining)

		if wait := d.breaker.retryAfter(d.clock.Now()); wait > 0 {
			d.logger.Warn().Dur("retry_after", wait).Msg("circuit open, delivery paused")
			if !d.wait(wait, epoch) {
				return
			}
			continue
		}

		batch, err := d.queue.PeekBatch(d.ctx, d.cfg.BatchSize, d.batchBytes)
		if err != nil {
			// the next trigger retries
			d.logger.Error().Err(err).Msg("peek batch")
			return
		}
		if len(batch) == 0 {
			return
		}

		if d.batchBytes > 0 && batch[0].Size > d.batchBytes {
			d.discard(batch[:1], domain.ErrEventTooLarge)
			continue
		}

		if !d.allow(len(batch), epoch) {
			return
		}

		outcome, interrupted := d.send(batch, epoch)
		if interrupted {
			return
		}
		if !d.conclude(batch, outcome, epoch) {
			return
		}
	}
}

func (d *Dispatcher) active(epoch uint64) bool {
	return d.ctx.Err() == nil && d.epoch.Load() == epoch
}

// allow waits for the rate limiter to admit n events.
func (d *Dispatcher) allow(n int, epoch uint64) bool {
	if d.limiter == nil {
		return true
	}

	now := d.clock.Now()
	r := d.limiter.ReserveN(now, n)
	if !r.OK() {
		return true
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true
	}

	d.logger.Warn().Dur("delay", delay).Msg("request frequency is excessive, delivery postponed")
	if !d.wait(delay, epoch) {
		r.CancelAt(d.clock.Now())
		return false
	}
	return true
}

func (d *Dispatcher) send(batch []queue.Entry, epoch uint64) (transport.Outcome, bool) {
	d.setState(Sending)

	raw, err := encodePayload(d.appInfo, batch)
	if err != nil {
		return transport.Outcome{Kind: transport.ClientRejected, Err: fmt.Errorf("encode payload: %w", err)}, false
	}

	body, encoding, err := codec.Compress(d.codec, raw)
	if err != nil {
		d.logger.Warn().Err(err).Msg("compression failed, sending uncompressed")
	}

	header := d.header.Clone()
	header.Set("Content-Type", "application/json")
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}

	d.sendMu.Lock()
	if !d.active(epoch) {
		d.sendMu.Unlock()
		return transport.Outcome{}, true
	}
	sendCtx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	d.cancelSend = cancel
	d.sendMu.Unlock()

	payloadID := uuid.NewString()
	outcome := d.transport.Deliver(sendCtx, transport.Request{
		Endpoint:  d.cfg.Endpoint,
		Header:    header,
		Body:      body,
		PayloadID: payloadID,
	})

	d.sendMu.Lock()
	d.cancelSend = nil
	d.sendMu.Unlock()
	cancel()

	d.logger.Debug().Str("payload_id", payloadID).Int("events", len(batch)).Int("bytes", len(body)).
		Str("outcome", outcome.Kind.String()).Int("status", outcome.StatusCode).Msg("batch delivered")

	if outcome.Kind == transport.TransientFailure && !d.active(epoch) {
		return outcome, true
	}
	return outcome, false
}

// storeCtx outlives shutdown so an outcome that is already known still
// reaches the queue.
func (d *Dispatcher) storeCtx() context.Context {
	return context.WithoutCancel(d.ctx)
}

// conclude applies the outcome to the queue and completions. It reports
// whether draining should continue.
func (d *Dispatcher) conclude(batch []queue.Entry, outcome transport.Outcome, epoch uint64) bool {
	seqs := sequences(batch)

	switch outcome.Kind {
	case transport.Accepted:
		d.breaker.reset()
		if err := d.queue.Acknowledge(d.storeCtx(), seqs); err != nil {
			d.logger.Error().Err(err).Msg("acknowledge delivered batch")
		}
		d.notifier.Succeed(seqs)
		return true

	case transport.ClientRejected:
		d.logger.Error().Err(outcome.Err).Int("status", outcome.StatusCode).Int("events", len(batch)).
			Msg("batch rejected by receiver")
		d.discard(batch, &domain.RejectedError{StatusCode: outcome.StatusCode, Err: outcome.Err})
		return true
	}

	d.breaker.recordFailure(d.clock.Now())

	var (
		retry       []uint64
		exhausted   []queue.Entry
		unretryable []queue.Entry
		maxAttempts int
	)
	for _, e := range batch {
		attempts := e.Attempts + 1
		switch {
		case !e.Event.Retryable:
			unretryable = append(unretryable, e)
		case attempts >= d.cfg.MaxAttempts:
			exhausted = append(exhausted, e)
		default:
			retry = append(retry, e.Sequence)
			if attempts > maxAttempts {
				maxAttempts = attempts
			}
		}
	}

	d.discard(unretryable, domain.ErrNotRetryable)
	d.discard(exhausted, domain.ErrMaxAttempts)
	if err := d.queue.Requeue(d.storeCtx(), retry, 1); err != nil {
		d.logger.Error().Err(err).Msg("requeue failed batch")
	}

	if len(retry) == 0 {
		return true
	}

	delay := d.backoff.Delay(maxAttempts)
	d.logger.Warn().Err(outcome.Err).Int("attempts", maxAttempts).Dur("backoff", delay).
		Msg("delivery failed, retrying later")
	return d.wait(delay, epoch)
}

func (d *Dispatcher) discard(entries []queue.Entry, reason error) {
	if len(entries) == 0 {
		return
	}

	seqs := sequences(entries)
	if err := d.queue.Acknowledge(d.storeCtx(), seqs); err != nil {
		d.logger.Error().Err(err).Msg("acknowledge discarded entries")
	}
	if reason != nil {
		d.logger.Warn().Err(reason).Int("events", len(entries)).Msg("events dropped")
	}
	d.notifier.Fail(seqs, reason)
}

// wait sleeps in Backoff. It returns false when interrupted by a halt or
// shutdown.
func (d *Dispatcher) wait(delay time.Duration, epoch uint64) bool {
	d.setState(Backoff)

	timer := d.clock.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return d.active(epoch)
		case <-d.ctx.Done():
			return false
		case <-d.doneChan:
			return false
		case <-d.halt:
			if !d.active(epoch) {
				return false
			}
		}
	}
}

func sequences(entries []queue.Entry) []uint64 {
	seqs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		seqs = append(seqs, e.Sequence)
	}
	return seqs
}
