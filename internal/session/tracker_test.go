package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/crosstab"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/recovery"
	"github.com/vburojevic/tabtrail/internal/state"
	"github.com/vburojevic/tabtrail/internal/storage"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []domain.Event
	flushes int
}

func (s *fakeSink) Track(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSink) ofKind(kind domain.EventKind) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCoordinator struct {
	mu        sync.Mutex
	leader    string
	liveTabs  int
	effective time.Time
	started   []string
	ended     []domain.EndTrigger
	events    chan crosstab.Event
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{liveTabs: 1, events: make(chan crosstab.Event, 8)}
}

func (c *fakeCoordinator) TabID() string { return "tab-test" }
func (c *fakeCoordinator) LeaderSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}
func (c *fakeCoordinator) AnnounceSessionStart(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, id)
}
func (c *fakeCoordinator) AnnounceSessionEnd(_ string, trigger domain.EndTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, trigger)
}
func (c *fakeCoordinator) RecordActivity(time.Time) {}
func (c *fakeCoordinator) EffectiveLastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective
}
func (c *fakeCoordinator) LiveTabs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveTabs
}
func (c *fakeCoordinator) Events() <-chan crosstab.Event { return c.events }

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	store   *storage.Store
	shared  *state.SharedState
	sink    *fakeSink
	coord   *fakeCoordinator
	keys    storage.Keys
	cfg     Config
	tracker *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	shared := state.New(nil)
	t.Cleanup(shared.Close)
	h := &harness{
		t:      t,
		clock:  mock,
		store:  storage.NewMemoryStore(storage.WithClock(mock)),
		shared: shared,
		keys:   storage.NewKeys(""),
		cfg: Config{
			Timeout:           30 * time.Minute,
			HeartbeatInterval: 1000 * time.Hour,
			CheckInterval:     1000 * time.Hour,
		},
	}
	require.NoError(t, shared.Set(context.Background(), state.KeyUserID, "user-1"))
	return h
}

// start builds a fresh tracker over the harness store, as a newly opened
// tab would.
func (h *harness) start() *Tracker {
	h.t.Helper()
	h.sink = &fakeSink{}
	h.coord = newFakeCoordinator()
	h.tracker = NewTracker(h.shared, h.store, h.sink,
		WithConfig(h.cfg),
		WithClock(h.clock),
		WithCoordinator(h.coord),
		WithRecovery(recovery.New(h.store, recovery.WithClock(h.clock))),
	)
	tr := h.tracker
	h.t.Cleanup(func() { _ = tr.Destroy(context.Background()) })
	require.NoError(h.t, tr.Init(context.Background()))
	require.NoError(h.t, tr.StartTracking(context.Background()))
	return tr
}

func (h *harness) persistSession(id string, heartbeatAge time.Duration) {
	now := h.clock.Now()
	rec := domain.NewSession(id, now.Add(-heartbeatAge-time.Minute))
	rec.LastActivity = domain.Millis(now.Add(-heartbeatAge))
	rec.LastHeartbeat = domain.Millis(now.Add(-heartbeatAge))
	h.store.SetJSON(h.keys.Session(), rec)
}

func (h *harness) persisted() (domain.Session, bool) {
	var rec domain.Session
	ok := h.store.GetJSON(h.keys.Session(), &rec)
	return rec, ok
}

var ctx = context.Background()

func TestStartTrackingRequiresUserID(t *testing.T) {
	shared := state.New(nil)
	defer shared.Close()
	tr := NewTracker(shared, storage.NewMemoryStore(), &fakeSink{})
	require.NoError(t, tr.Init(ctx))
	defer tr.Destroy(ctx)

	assert.ErrorIs(t, tr.StartTracking(ctx), ErrMissingUserID)
	assert.False(t, tr.Tracking())
}

func TestQualifyingActivityStartsNewSession(t *testing.T) {
	h := newHarness(t)
	tr := h.start()

	require.NoError(t, tr.Activity(ctx, domain.EventWebVitals))
	assert.Equal(t, StateIdle, tr.State(), "non-qualifying events do not start sessions")

	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.Equal(t, StateActive, tr.State())
	id := tr.SessionID()
	require.NotEmpty(t, id)
	assert.Equal(t, id, h.shared.GetString(state.KeySessionID))

	starts := h.sink.ofKind(domain.EventSessionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, id, starts[0].SessionID)
	assert.Equal(t, "user-1", starts[0].UserID)
	assert.False(t, starts[0].Recovered)
	assert.Equal(t, []string{id}, h.coord.started)

	rec, ok := h.persisted()
	require.True(t, ok)
	assert.Equal(t, id, rec.SessionID)

	// More activity keeps the same session.
	require.NoError(t, tr.Activity(ctx, domain.EventScroll))
	assert.Equal(t, id, tr.SessionID())
	assert.Len(t, h.sink.ofKind(domain.EventSessionStart), 1)
}

func TestJoinsLeaderSession(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	h.coord.leader = "leader-session"

	require.NoError(t, tr.Activity(ctx, domain.EventPageView))
	assert.Equal(t, "leader-session", tr.SessionID())
	assert.Empty(t, h.sink.ofKind(domain.EventSessionStart), "joining does not start a session")
	assert.Empty(t, h.coord.started)
}

func TestContinuesFreshPersistedSession(t *testing.T) {
	h := newHarness(t)
	h.persistSession("persisted", time.Minute)
	tr := h.start()

	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.Equal(t, "persisted", tr.SessionID())
	assert.Empty(t, h.sink.ofKind(domain.EventSessionStart))
}

func TestCorruptedSessionRecordStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.store.Set(h.keys.Session(), `{"sessionId": 12`)
	tr := h.start()

	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.NotEmpty(t, tr.SessionID())
	assert.Len(t, h.sink.ofKind(domain.EventSessionStart), 1)
}

func TestOrphanRecoveredUntilBound(t *testing.T) {
	h := newHarness(t)

	for round := 1; round <= recovery.DefaultMaxAttempts; round++ {
		h.persistSession("orphan", 45*time.Minute)
		tr := h.start()
		_, ok := h.persisted()
		require.False(t, ok, "orphan record is cleared at init")

		require.NoError(t, tr.Activity(ctx, domain.EventClick))
		assert.Equal(t, "orphan", tr.SessionID(), "round %d", round)
		starts := h.sink.ofKind(domain.EventSessionStart)
		require.Len(t, starts, 1)
		assert.True(t, starts[0].Recovered)
		require.NoError(t, tr.Destroy(ctx))
		h.clock.Add(time.Minute)
	}

	h.persistSession("orphan", 45*time.Minute)
	tr := h.start()
	ends := h.sink.ofKind(domain.EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.EndOrphanedCleanup, ends[0].Trigger)
	assert.Equal(t, "orphan", ends[0].SessionID)

	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.NotEqual(t, "orphan", tr.SessionID())
	starts := h.sink.ofKind(domain.EventSessionStart)
	require.Len(t, starts, 1)
	assert.False(t, starts[0].Recovered)
}

func TestInactivityEndsSession(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	id := tr.SessionID()

	h.clock.Add(29 * time.Minute)
	tr.Check(ctx)
	assert.Equal(t, StateActive, tr.State())

	h.clock.Add(2 * time.Minute)
	tr.Check(ctx)
	assert.Equal(t, StateEnded, tr.State())

	ends := h.sink.ofKind(domain.EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.EndInactivity, ends[0].Trigger)
	assert.Equal(t, id, ends[0].SessionID)
	assert.Equal(t, 1, h.sink.flushes)
	assert.Equal(t, []domain.EndTrigger{domain.EndInactivity}, h.coord.ended)
	assert.Empty(t, h.shared.GetString(state.KeySessionID))
	_, ok := h.persisted()
	assert.False(t, ok)

	// The next activity starts a new session.
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.NotEqual(t, id, tr.SessionID())
}

func TestInactiveWhileAnotherTabIsActive(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	id := tr.SessionID()

	h.clock.Add(31 * time.Minute)
	h.coord.effective = h.clock.Now().Add(-time.Minute)
	tr.Check(ctx)
	assert.Equal(t, StateInactive, tr.State())
	assert.Equal(t, id, tr.SessionID())
	assert.Empty(t, h.sink.ofKind(domain.EventSessionEnd))

	require.NoError(t, tr.Activity(ctx, domain.EventScroll))
	assert.Equal(t, StateActive, tr.State())
	assert.Equal(t, id, tr.SessionID())

	// With every tab idle the session ends.
	h.clock.Add(31 * time.Minute)
	tr.Check(ctx)
	assert.Equal(t, StateEnded, tr.State())
}

func TestMaxDurationEndsSession(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxDuration = time.Hour
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	first := tr.SessionID()

	for i := 0; i < 5; i++ {
		h.clock.Add(15 * time.Minute)
		require.NoError(t, tr.Activity(ctx, domain.EventClick))
	}
	ends := h.sink.ofKind(domain.EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.EndTimeout, ends[0].Trigger)
	assert.NotEqual(t, first, tr.SessionID())
}

func TestUnload(t *testing.T) {
	t.Run("last tab", func(t *testing.T) {
		h := newHarness(t)
		tr := h.start()
		require.NoError(t, tr.Activity(ctx, domain.EventClick))

		require.NoError(t, tr.Unload(ctx))
		ends := h.sink.ofKind(domain.EventSessionEnd)
		require.Len(t, ends, 1)
		assert.Equal(t, domain.EndPageUnload, ends[0].Trigger)
		_, ok := h.persisted()
		assert.False(t, ok)
	})

	t.Run("other tabs remain", func(t *testing.T) {
		h := newHarness(t)
		tr := h.start()
		require.NoError(t, tr.Activity(ctx, domain.EventClick))
		id := tr.SessionID()
		h.coord.liveTabs = 3

		require.NoError(t, tr.Unload(ctx))
		ends := h.sink.ofKind(domain.EventSessionEnd)
		require.Len(t, ends, 1)
		assert.Equal(t, domain.EndTabClosed, ends[0].Trigger)
		rec, ok := h.persisted()
		require.True(t, ok, "the session record stays for the other tabs")
		assert.Equal(t, id, rec.SessionID)
		assert.Empty(t, h.coord.ended, "the shared session is not ended")
	})
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))

	require.NoError(t, tr.End(ctx, domain.EndManualStop))
	require.NoError(t, tr.End(ctx, domain.EndManualStop))
	require.NoError(t, tr.End(ctx, domain.EndInactivity))
	assert.Len(t, h.sink.ofKind(domain.EventSessionEnd), 1)
	assert.Error(t, tr.End(ctx, "bogus"))
}

func TestStopAndRestartTracking(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))

	require.NoError(t, tr.StopTracking(ctx))
	assert.False(t, tr.Tracking())
	ends := h.sink.ofKind(domain.EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.EndManualStop, ends[0].Trigger)

	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.Equal(t, StateEnded, tr.State(), "activity is ignored while stopped")

	require.NoError(t, tr.StartTracking(ctx))
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	assert.Equal(t, StateActive, tr.State())

	require.NoError(t, tr.Destroy(ctx))
	assert.ErrorIs(t, tr.StartTracking(ctx), ErrDestroyed)
	assert.ErrorIs(t, tr.Activity(ctx, domain.EventClick), ErrDestroyed)
}

func TestMissingUserIDForcesCleanup(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, h.shared.Set(ctx, state.KeyUserID, nil))

	err := tr.Activity(ctx, domain.EventClick)
	assert.ErrorIs(t, err, ErrMissingUserID)
	assert.Equal(t, StateIdle, tr.State())
	assert.Empty(t, tr.SessionID())
	ends := h.sink.ofKind(domain.EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.EndOrphanedCleanup, ends[0].Trigger)
	_, ok := h.persisted()
	assert.False(t, ok)
}

func TestHeartbeatRewritesRecord(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))
	before, _ := h.persisted()

	h.clock.Add(10 * time.Second)
	tr.Heartbeat()
	after, ok := h.persisted()
	require.True(t, ok)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.StartTime, after.StartTime)
	assert.Equal(t, before.LastHeartbeat+10_000, after.LastHeartbeat)
}

func TestRemoteSessionEvents(t *testing.T) {
	h := newHarness(t)
	tr := h.start()
	require.NoError(t, tr.Activity(ctx, domain.EventClick))

	h.coord.events <- crosstab.Event{Type: crosstab.EventSessionStarted, TabID: "other", SessionID: "remote"}
	require.Eventually(t, func() bool { return tr.SessionID() == "remote" }, time.Second, 5*time.Millisecond)

	h.coord.events <- crosstab.Event{Type: crosstab.EventSessionEnded, TabID: "other", SessionID: "remote", Trigger: domain.EndTabClosed}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, tr.State(), "a closing tab does not end the session")

	h.coord.events <- crosstab.Event{Type: crosstab.EventSessionEnded, TabID: "other", SessionID: "remote", Trigger: domain.EndInactivity}
	require.Eventually(t, func() bool { return tr.State() == StateEnded }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sink.ofKind(domain.EventSessionEnd), "the ending tab reports the end")
}

func TestTimersDriveLifecycle(t *testing.T) {
	h := newHarness(t)
	h.cfg.CheckInterval = time.Minute
	h.cfg.HeartbeatInterval = 5 * time.Second
	var mu sync.Mutex
	var transitions []string
	h.sink = &fakeSink{}
	h.coord = newFakeCoordinator()
	tr := NewTracker(h.shared, h.store, h.sink,
		WithConfig(h.cfg), WithClock(h.clock), WithCoordinator(h.coord),
		WithTransitionHook(func(rec *domain.SessionTransition) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, rec.From+">"+rec.To)
		}),
	)
	defer tr.Destroy(ctx)
	require.NoError(t, tr.Init(ctx))
	require.NoError(t, tr.StartTracking(ctx))
	require.NoError(t, tr.Activity(ctx, domain.EventClick))

	require.Eventually(t, func() bool {
		h.clock.Add(time.Minute)
		return tr.State() == StateEnded
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"idle>starting", "starting>active", "active>ending", "ending>ended"}, transitions)
}
