package tracker

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/domain"
	"github.com/leshachaplin/tracker/internal/optout"
	httpserver "github.com/leshachaplin/tracker/internal/server/http"
	"github.com/leshachaplin/tracker/internal/storage/event/memory"
	"github.com/leshachaplin/tracker/internal/storage/queue"
	"github.com/leshachaplin/tracker/internal/transport"
	httptransport "github.com/leshachaplin/tracker/internal/transport/http"
	"github.com/leshachaplin/tracker/internal/worker"
)

const (
	modeForward int32 = iota
	modeBlock
	modeTransient
)

// switchTransport forwards to the collector unless told to block or fail.
type switchTransport struct {
	mode  atomic.Int32
	next  transport.Transport
	calls chan struct{}
}

func (s *switchTransport) Deliver(ctx context.Context, req transport.Request) transport.Outcome {
	select {
	case s.calls <- struct{}{}:
	default:
	}

	switch s.mode.Load() {
	case modeBlock:
		<-ctx.Done()
		return transport.Outcome{Kind: transport.TransientFailure, Err: ctx.Err()}
	case modeTransient:
		return transport.Outcome{Kind: transport.TransientFailure, StatusCode: 503}
	default:
		return s.next.Deliver(ctx, req)
	}
}

type TrackerTestSuite struct {
	suite.Suite
	ctx       context.Context
	storage   *memory.Storage
	server    *httptest.Server
	transport *switchTransport
	cfg       Config
}

func TestTracker(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}

func (s *TrackerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.storage = memory.New()

	service := collector.NewService(s.storage, 0, zerolog.Nop())
	s.server = httptest.NewServer(httpserver.New(collector.NewHandler(service, []string{"app-key"}, zerolog.Nop())).Handler())

	s.transport = &switchTransport{
		next:  httptransport.New(httptransport.Config{Timeout: 5 * time.Second}, zerolog.Nop()),
		calls: make(chan struct{}, 16),
	}

	s.cfg = Config{
		AppKey: "app-key",
		Queue:  queue.Config{Path: filepath.Join(s.T().TempDir(), "tracker.db")},
		Dispatcher: worker.Config{
			Endpoint:       s.server.URL + "/v1/native/track",
			FlushInterval:  time.Hour,
			InitialBackoff: time.Hour,
			MaxBackoff:     time.Hour,
		},
		AppInfo: AppInfo{Name: "shop", Version: "1.0.0", SDKVersion: "0.1.0"},
	}
}

func (s *TrackerTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *TrackerTestSuite) open() *Tracker {
	tr, err := New(s.ctx, s.cfg, s.transport, zerolog.Nop())
	s.Require().NoError(err)
	return tr
}

func (s *TrackerTestSuite) result(ch <-chan Result) Result {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		s.FailNow("completion not delivered")
		return Result{}
	}
}

func (s *TrackerTestSuite) noResult(ch <-chan Result) {
	select {
	case r := <-ch:
		s.FailNow("unexpected completion", "%+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *TrackerTestSuite) called() {
	select {
	case <-s.transport.calls:
	case <-time.After(5 * time.Second):
		s.FailNow("transport not called")
	}
}

func (s *TrackerTestSuite) event(name string) Event {
	ev, err := domain.NewEvent(name, Params{Values: Values{{Key: "n", Value: name}}})
	s.Require().NoError(err)
	return ev
}

func (s *TrackerTestSuite) names() []string {
	var out []string
	for _, ev := range s.storage.Events() {
		out = append(out, ev.Name)
	}
	return out
}

func (s *TrackerTestSuite) TestDelivery_InOrder() {
	tr := s.open()
	defer tr.Close()

	var results []<-chan Result
	for _, name := range []string{"a", "b", "c"} {
		results = append(results, tr.SubmitWait(s.event(name)))
	}
	for _, ch := range results {
		s.Equal(Success, s.result(ch).Status)
	}

	s.Equal([]string{"a", "b", "c"}, s.names())
	for _, ev := range s.storage.Events() {
		s.Equal("app-key", ev.AppKey)
		s.Equal(tr.VisitorID(), ev.VisitorID)
		s.Equal("shop", ev.App.Name)
		s.False(ev.Retry)
	}

	n, err := tr.Pending(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *TrackerTestSuite) TestTrack_Completion() {
	tr := s.open()
	defer tr.Close()

	done := make(chan Result, 1)
	s.Require().NoError(tr.Track("purchase", Params{
		Values:     Values{{Key: "amount", Value: 10}},
		VisitorID:  "explicit",
		Completion: func(r Result) { done <- r },
	}))
	s.Equal(Success, s.result(done).Status)

	events := s.storage.Events()
	s.Require().Len(events, 1)
	s.Equal("explicit", events[0].VisitorID)

	s.Require().NoError(tr.View("home", "Home", Params{}))
	s.Require().NoError(tr.Identify("user-1", Params{}))
	tr.Flush()
	s.Eventually(func() bool { return len(s.storage.Events()) == 3 }, 5*time.Second, 10*time.Millisecond)
	s.Equal([]string{"purchase", "view", "identify"}, s.names())
}

func (s *TrackerTestSuite) TestOptOut_CancelsAndPurges() {
	tr := s.open()
	defer tr.Close()

	s.transport.mode.Store(modeBlock)
	inFlight := tr.SubmitWait(s.event("a"))
	s.called()

	s.Require().NoError(tr.SetOptOut(s.ctx, true))
	r := s.result(inFlight)
	s.Equal(Cancelled, r.Status)
	s.ErrorIs(r.Reason, optout.ErrOptedOut)
	s.True(tr.IsOptedOut())

	n, err := tr.Pending(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	// dropped without notification
	s.noResult(tr.SubmitWait(s.event("b")))
	n, err = tr.Pending(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	s.transport.mode.Store(modeForward)
	s.Require().NoError(tr.SetOptOut(s.ctx, false))
	s.Equal(Success, s.result(tr.SubmitWait(s.event("c"))).Status)
	s.Equal([]string{"c"}, s.names())
}

func (s *TrackerTestSuite) TestOptOut_Persists() {
	tr := s.open()
	s.Require().NoError(tr.SetOptOut(s.ctx, true))
	s.Require().NoError(tr.Close())

	tr = s.open()
	defer tr.Close()
	s.True(tr.IsOptedOut())
}

func (s *TrackerTestSuite) TestOptOutTemporarily() {
	tr := s.open()
	s.Require().NoError(tr.OptOutTemporarily(s.ctx))
	s.True(tr.IsOptedOut())
	s.Require().NoError(tr.Close())

	tr = s.open()
	defer tr.Close()
	s.False(tr.IsOptedOut())
}

func (s *TrackerTestSuite) TestRestart_Resumes() {
	s.transport.mode.Store(modeTransient)
	tr := s.open()
	visitorID := tr.VisitorID()

	first := tr.SubmitWait(s.event("a"))
	second := tr.SubmitWait(s.event("b"))
	s.called()
	s.Eventually(func() bool { return tr.State() == worker.Backoff }, 5*time.Second, 5*time.Millisecond)

	s.Require().NoError(tr.Close())
	for _, ch := range []<-chan Result{first, second} {
		r := s.result(ch)
		s.Equal(Cancelled, r.Status)
		s.ErrorIs(r.Reason, domain.ErrShutdown)
	}

	s.transport.mode.Store(modeForward)
	tr = s.open()
	defer tr.Close()
	s.Equal(visitorID, tr.VisitorID())

	s.Eventually(func() bool { return len(s.storage.Events()) == 2 }, 5*time.Second, 10*time.Millisecond)
	s.Equal([]string{"a", "b"}, s.names())
	s.True(s.storage.Events()[0].Retry)
}

func (s *TrackerTestSuite) TestClientRejected() {
	s.cfg.AppKey = "unknown"
	tr := s.open()
	defer tr.Close()

	r := s.result(tr.SubmitWait(s.event("a")))
	s.Equal(Failure, r.Status)

	var rejected *domain.RejectedError
	s.Require().ErrorAs(r.Reason, &rejected)
	s.Equal(403, rejected.StatusCode)

	n, err := tr.Pending(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *TrackerTestSuite) TestEviction_FailsCompletion() {
	s.cfg.Queue.MaxEntries = 2
	s.transport.mode.Store(modeTransient)
	tr := s.open()
	defer tr.Close()

	oldest := tr.SubmitWait(s.event("a"))
	s.called()
	tr.Submit(s.event("b"), nil)
	tr.Submit(s.event("c"), nil)

	r := s.result(oldest)
	s.Equal(Failure, r.Status)
	s.ErrorIs(r.Reason, domain.ErrEvicted)
	s.Equal(uint64(1), tr.Stats().Evicted)
}

func (s *TrackerTestSuite) TestRejectionRule() {
	tr := s.open()
	defer tr.Close()

	tr.AddRejectionRule(RejectionRule{LibraryName: "push"})
	tr.AddRejectionRule(RejectionRule{Reject: func(ev Event) bool {
		_, ok := ev.Values.Get("secret")
		return ok
	}})

	done := make(chan Result, 1)
	s.Require().NoError(tr.Track("opened", Params{LibraryName: "push", Completion: func(r Result) { done <- r }}))
	r := s.result(done)
	s.Equal(Failure, r.Status)
	s.ErrorIs(r.Reason, domain.ErrRejected)

	ev, err := domain.NewEvent("login", Params{Values: Values{{Key: "secret", Value: "x"}}})
	s.Require().NoError(err)
	s.Equal(Failure, s.result(tr.SubmitWait(ev)).Status)

	s.Equal(Success, s.result(tr.SubmitWait(s.event("kept"))).Status)
	s.Equal([]string{"kept"}, s.names())
}

func (s *TrackerTestSuite) TestRenewVisitorID() {
	tr := s.open()
	before := tr.VisitorID()
	s.NotEmpty(before)

	after, err := tr.RenewVisitorID(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(before, after)
	s.Require().NoError(tr.Close())

	tr = s.open()
	defer tr.Close()
	s.Equal(after, tr.VisitorID())
}

func (s *TrackerTestSuite) TestInvalidEvent() {
	tr := s.open()
	defer tr.Close()

	var invalid *domain.InvalidEventError
	s.ErrorAs(tr.Track(" ", Params{}), &invalid)
	s.ErrorAs(tr.Track("view", Params{Values: Values{{Key: domain.KeyRetry, Value: true}}}), &invalid)
}

func (s *TrackerTestSuite) TestClosed() {
	tr := s.open()
	s.Require().NoError(tr.Close())
	s.Require().NoError(tr.Close())

	s.ErrorIs(tr.Track("a", Params{}), ErrClosed)
}

func TestRejectionRule_Matches(t *testing.T) {
	ev := Event{Name: "opened", LibraryName: "push"}

	cases := map[string]struct {
		rule     RejectionRule
		expected bool
	}{
		"empty rule": {
			rule: RejectionRule{},
		},
		"library": {
			rule:     RejectionRule{LibraryName: "push"},
			expected: true,
		},
		"other library": {
			rule: RejectionRule{LibraryName: "inapp"},
		},
		"library and name": {
			rule:     RejectionRule{LibraryName: "push", EventName: "opened"},
			expected: true,
		},
		"name mismatch": {
			rule: RejectionRule{LibraryName: "push", EventName: "received"},
		},
		"predicate decides": {
			rule:     RejectionRule{EventName: "opened", Reject: func(Event) bool { return false }},
			expected: false,
		},
		"predicate only": {
			rule:     RejectionRule{Reject: func(e Event) bool { return e.LibraryName == "push" }},
			expected: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.rule.matches(ev))
		})
	}
}

func TestTracker_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	accepted := transport.Func(func(context.Context, transport.Request) transport.Outcome {
		return transport.Outcome{Kind: transport.Accepted, StatusCode: 200}
	})
	tr, err := New(context.Background(), Config{
		Queue: queue.Config{Path: filepath.Join(t.TempDir(), "leak.db")},
	}, accepted, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan Result, 1)
	tr.Submit(Event{Name: "a", Timestamp: time.Now(), Retryable: true}, func(r Result) { done <- r })
	select {
	case r := <-done:
		require.Equal(t, Success, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
	}

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Track("b", Params{}), ErrClosed)
}
