package optout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/leshachaplin/tracker/internal/domain"
	"github.com/leshachaplin/tracker/internal/storage/queue"
)

func openQueue(t *testing.T, path string) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), queue.Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func event(t *testing.T, name string) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(name, domain.Params{})
	require.NoError(t, err)
	return ev
}

func TestGate_OptOutPurgesAndRefuses(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, filepath.Join(t.TempDir(), "q.db"))

	g, err := New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)

	var states []State
	g.Subscribe(func(s State) { states = append(states, s) })

	_, err = g.Append(ctx, event(t, "a"), nil)
	require.NoError(t, err)

	require.NoError(t, g.SetOptOut(ctx, true))
	require.True(t, g.IsOptedOut())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = g.Append(ctx, event(t, "b"), nil)
	require.ErrorIs(t, err, ErrOptedOut)

	require.NoError(t, g.SetOptOut(ctx, true))
	require.NoError(t, g.SetOptOut(ctx, false))
	_, err = g.Append(ctx, event(t, "c"), nil)
	require.NoError(t, err)

	require.Equal(t, []State{OptedOut, OptedIn}, states)
}

func TestGate_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "q.db")

	cases := map[string]struct {
		persisted     *bool
		defaultOptOut bool
		expected      bool
	}{
		"default opted in": {
			expected: false,
		},
		"default opted out": {
			defaultOptOut: true,
			expected:      true,
		},
		"persisted overrides default": {
			persisted:     func() *bool { b := false; return &b }(),
			defaultOptOut: true,
			expected:      false,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			q := openQueue(t, filepath.Join(t.TempDir(), "q.db"))
			if tc.persisted != nil {
				g, err := New(ctx, q, q, false, zerolog.Nop())
				require.NoError(t, err)
				require.NoError(t, g.SetOptOut(ctx, *tc.persisted))
			}

			g, err := New(ctx, q, q, tc.defaultOptOut, zerolog.Nop())
			require.NoError(t, err)
			require.Equal(t, tc.expected, g.IsOptedOut())
		})
	}

	q := openQueue(t, path)
	g, err := New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, g.SetOptOut(ctx, true))
	require.NoError(t, q.Close())

	q = openQueue(t, path)
	g, err = New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, g.IsOptedOut())
}

type failingPurgeQueue struct {
	*queue.Queue
	err error
}

func (f failingPurgeQueue) PurgeAll(context.Context) error {
	return f.err
}

func TestGate_FailedPurgeKeepsOptedIn(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, filepath.Join(t.TempDir(), "q.db"))

	g, err := New(ctx, q, failingPurgeQueue{Queue: q, err: errors.New("disk I/O error")}, false, zerolog.Nop())
	require.NoError(t, err)

	var states []State
	g.Subscribe(func(s State) { states = append(states, s) })

	_, err = g.Append(ctx, event(t, "a"), nil)
	require.NoError(t, err)

	require.Error(t, g.SetOptOut(ctx, true))
	require.False(t, g.IsOptedOut())
	require.Empty(t, states)

	value, ok, err := q.Setting(ctx, settingKey)
	require.NoError(t, err)
	require.False(t, ok && value == "1")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGate_OptOutIgnoresCancelledContext(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "q.db"))

	g, err := New(context.Background(), q, q, false, zerolog.Nop())
	require.NoError(t, err)
	_, err = g.Append(context.Background(), event(t, "a"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.SetOptOut(ctx, true))
	require.True(t, g.IsOptedOut())

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGate_TemporaryIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "q.db")

	q := openQueue(t, path)
	g, err := New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, g.OptOutTemporarily(ctx))
	require.True(t, g.IsOptedOut())
	require.NoError(t, q.Close())

	q = openQueue(t, path)
	g, err = New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, g.IsOptedOut())
}

func TestGate_NoAppendSurvivesOptOut(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, filepath.Join(t.TempDir(), "q.db"))
	g, err := New(ctx, q, q, false, zerolog.Nop())
	require.NoError(t, err)

	start := make(chan struct{})
	wg := &sync.WaitGroup{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				_, err := g.Append(ctx, domain.Event{Name: "e"}, nil)
				if err != nil {
					require.ErrorIs(t, err, ErrOptedOut)
				}
			}
		}()
	}

	close(start)
	require.NoError(t, g.SetOptOut(ctx, true))
	wg.Wait()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
