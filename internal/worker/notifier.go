package worker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/domain"
)

type delivery struct {
	fns    []domain.Completion
	result domain.Result
}

// Notifier holds in-memory completions keyed by sequence number and invokes
// them on its own goroutine. Each completion fires at most once.
type Notifier struct {
	mu      sync.Mutex
	pending map[uint64]domain.Completion
	queued  []delivery
	closed  bool

	signal   chan struct{}
	doneChan chan struct{}
	stop     sync.Once
	wg       *sync.WaitGroup
	logger   zerolog.Logger
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	n := &Notifier{
		pending:  make(map[uint64]domain.Completion),
		signal:   make(chan struct{}, 1),
		doneChan: make(chan struct{}),
		wg:       &sync.WaitGroup{},
		logger:   logger.With().Str("component", "notifier").Logger(),
	}

	n.wg.Add(1)
	go n.run()

	return n
}

func (n *Notifier) Register(seq uint64, fn domain.Completion) {
	if fn == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending[seq] = fn
}

func (n *Notifier) Succeed(seqs []uint64) {
	n.resolve(seqs, domain.Result{Status: domain.Success})
}

func (n *Notifier) Fail(seqs []uint64, reason error) {
	n.resolve(seqs, domain.Result{Status: domain.Failure, Reason: reason})
}

// CancelAll notifies every pending completion with Cancelled.
func (n *Notifier) CancelAll(reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.pending) == 0 {
		return
	}
	fns := make([]domain.Completion, 0, len(n.pending))
	for seq, fn := range n.pending {
		fns = append(fns, fn)
		delete(n.pending, seq)
	}
	n.enqueueLocked(delivery{fns: fns, result: domain.Result{Status: domain.Cancelled, Reason: reason}})
}

// Deliver invokes fn with result on the notifier goroutine without
// registering it.
func (n *Notifier) Deliver(fn domain.Completion, result domain.Result) {
	if fn == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueueLocked(delivery{fns: []domain.Completion{fn}, result: result})
}

func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close delivers everything already queued and stops the goroutine.
// Completions registered afterwards are dropped.
func (n *Notifier) Close() {
	n.stop.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()

		close(n.doneChan)
		n.wg.Wait()
	})
}

func (n *Notifier) resolve(seqs []uint64, result domain.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var fns []domain.Completion
	for _, seq := range seqs {
		if fn, ok := n.pending[seq]; ok {
			fns = append(fns, fn)
			delete(n.pending, seq)
		}
	}
	if len(fns) == 0 {
		return
	}
	n.enqueueLocked(delivery{fns: fns, result: result})
}

func (n *Notifier) enqueueLocked(d delivery) {
	if n.closed {
		return
	}
	n.queued = append(n.queued, d)
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.signal:
			n.flush()
		case <-n.doneChan:
			n.flush()
			return
		}
	}
}

func (n *Notifier) flush() {
	for {
		n.mu.Lock()
		batch := n.queued
		n.queued = nil
		n.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			for _, fn := range d.fns {
				n.invoke(fn, d.result)
			}
		}
	}
}

func (n *Notifier) invoke(fn domain.Completion, result domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Msg("completion panicked")
		}
	}()
	fn(result)
}
