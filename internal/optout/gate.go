package optout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/tracker/internal/domain"
)

const settingKey = "opt_out"

var ErrOptedOut = errors.New("optout: tracking is disabled")

type State int

const (
	OptedIn State = iota
	OptedOut
)

func (s State) String() string {
	if s == OptedOut {
		return "opted_out"
	}
	return "opted_in"
}

type Store interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Queue interface {
	Append(ctx context.Context, ev domain.Event, registered func(seq uint64)) (uint64, error)
	PurgeAll(ctx context.Context) error
}

// Listener observes state transitions. It runs while the gate is locked and
// must not call back into the gate.
type Listener func(State)

// Gate decides whether events may enter the queue. Appends share a read lock
// so a transition never interleaves with an append.
type Gate struct {
	mu        sync.RWMutex
	state     State
	temporary bool
	store     Store
	queue     Queue
	listeners []Listener
	logger    zerolog.Logger
}

// New restores the persisted state, falling back to defaultOptOut when none
// was saved.
func New(ctx context.Context, store Store, queue Queue, defaultOptOut bool, logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		store:  store,
		queue:  queue,
		logger: logger.With().Str("component", "optout").Logger(),
	}

	value, ok, err := store.Setting(ctx, settingKey)
	if err != nil {
		return nil, fmt.Errorf("load opt-out state: %w", err)
	}

	optOut := defaultOptOut
	if ok {
		optOut = value == "1"
	}
	if optOut {
		g.state = OptedOut
		if err := queue.PurgeAll(ctx); err != nil {
			return nil, fmt.Errorf("purge on start: %w", err)
		}
	}

	return g, nil
}

func (g *Gate) Subscribe(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Append enqueues ev unless tracking is disabled.
func (g *Gate) Append(ctx context.Context, ev domain.Event, registered func(seq uint64)) (uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state == OptedOut {
		return 0, ErrOptedOut
	}
	return g.queue.Append(ctx, ev, registered)
}

func (g *Gate) IsOptedOut() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == OptedOut
}

// SetOptOut persists the choice. Opting out purges every queued event.
func (g *Gate) SetOptOut(ctx context.Context, optOut bool) error {
	return g.transition(ctx, optOut, true)
}

// OptOutTemporarily disables tracking until the process restarts.
func (g *Gate) OptOutTemporarily(ctx context.Context) error {
	return g.transition(ctx, true, false)
}

// transition purges before committing an opt-out, so a failed purge leaves
// the gate opted in. Store work runs detached from ctx cancellation once
// started.
func (g *Gate) transition(ctx context.Context, optOut, persist bool) error {
	ctx = context.WithoutCancel(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	next := OptedIn
	if optOut {
		next = OptedOut
	}

	if next == OptedOut && g.state != OptedOut {
		if err := g.queue.PurgeAll(ctx); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
	}

	if persist {
		value := "0"
		if optOut {
			value = "1"
		}
		if err := g.store.SetSetting(ctx, settingKey, value); err != nil {
			return fmt.Errorf("persist opt-out state: %w", err)
		}
	}
	g.temporary = optOut && !persist

	if next == g.state {
		return nil
	}

	prev := g.state
	g.state = next
	g.logger.Info().Str("from", prev.String()).Str("to", next.String()).
		Bool("temporary", g.temporary).Msg("opt-out state changed")

	for _, l := range g.listeners {
		l(next)
	}
	return nil
}
