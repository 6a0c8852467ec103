package crosstab

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/storage"
)

type fixture struct {
	t     *testing.T
	clock *clock.Mock
	store *storage.Store
	hub   *Hub
	keys  storage.Keys
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	return &fixture{
		t:     t,
		clock: mock,
		store: storage.NewMemoryStore(storage.WithClock(mock)),
		hub:   NewHub(),
		keys:  storage.NewKeys(""),
	}
}

func (f *fixture) tab(id string) *Coordinator {
	f.t.Helper()
	c := New(f.store,
		WithTabID(id),
		WithChannel(f.hub.Join()),
		WithClock(f.clock),
	)
	require.NoError(f.t, c.Start())
	f.t.Cleanup(c.Close)
	return c
}

// advanceUntil moves the mock clock in small steps until cond holds.
func (f *fixture) advanceUntil(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		f.clock.Add(100 * time.Millisecond)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func leaders(tabs ...*Coordinator) []string {
	var ids []string
	for _, c := range tabs {
		if c.IsLeader() {
			ids = append(ids, c.TabID())
		}
	}
	return ids
}

func TestSingleTabModeWithoutChannel(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, WithTabID("solo"), WithClock(f.clock))
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)

	assert.Equal(t, StateDisabled, c.State())
	assert.True(t, c.IsLeader())
	assert.Equal(t, "solo", c.LeaderID())

	var info domain.TabInfo
	require.True(t, f.store.GetJSON(f.keys.Tab("solo"), &info))
	assert.True(t, info.IsLeader)

	c.AnnounceSessionStart("s1")
	assert.Equal(t, "s1", c.LeaderSessionID())

	c.Close()
	assert.Equal(t, StateTerminated, c.State())
	_, ok := f.store.Get(f.keys.Tab("solo"))
	assert.False(t, ok, "close releases the lease")
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestExactlyOneLeader(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.tab("tab-a"), f.tab("tab-b"), f.tab("tab-c")

	f.advanceUntil(func() bool {
		return a.State() == StateLeader && b.State() == StateFollower && c.State() == StateFollower
	})
	assert.Equal(t, []string{"tab-a"}, leaders(a, b, c))
	assert.Equal(t, "tab-a", b.LeaderID())
	assert.Equal(t, "tab-a", c.LeaderID())

	// Steady state holds across many heartbeats and reconciles.
	for i := 0; i < 40; i++ {
		f.clock.Add(time.Second)
	}
	assert.Equal(t, []string{"tab-a"}, leaders(a, b, c))
}

func TestLateJoinerAdoptsLeaderSession(t *testing.T) {
	f := newFixture(t)
	a := f.tab("tab-a")
	f.advanceUntil(func() bool { return a.IsLeader() })
	a.AnnounceSessionStart("session-1")

	f.clock.Add(time.Second)
	b := f.tab("tab-b")
	f.advanceUntil(func() bool { return b.State() == StateFollower })
	assert.Equal(t, "session-1", b.LeaderSessionID())

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventSessionStarted, ev.Type)
		assert.Equal(t, "session-1", ev.SessionID)
		assert.Equal(t, "tab-a", ev.TabID)
	case <-time.After(time.Second):
		t.Fatal("expected session event")
	}
}

func TestSessionEndPropagates(t *testing.T) {
	f := newFixture(t)
	a, b := f.tab("tab-a"), f.tab("tab-b")
	f.advanceUntil(func() bool { return a.IsLeader() && b.State() == StateFollower })

	b.AnnounceSessionStart("s-from-follower")
	require.Eventually(t, func() bool { return a.LeaderSessionID() == "s-from-follower" }, time.Second, 5*time.Millisecond,
		"leader adopts a session started by a follower")

	a.AnnounceSessionEnd("s-from-follower", domain.EndInactivity)
	require.Eventually(t, func() bool { return b.LeaderSessionID() == "" }, time.Second, 5*time.Millisecond)

	var ended *Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-b.Events():
			if ev.Type == EventSessionEnded {
				ended = &ev
				return true
			}
		default:
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EndInactivity, ended.Trigger)
}

func TestLeaderCloseTriggersElection(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.tab("tab-a"), f.tab("tab-b"), f.tab("tab-c")
	f.advanceUntil(func() bool { return a.IsLeader() && b.State() == StateFollower && c.State() == StateFollower })

	a.Close()
	f.advanceUntil(func() bool {
		return b.IsLeader() && c.State() == StateFollower && c.LeaderID() == "tab-b"
	})
	assert.Equal(t, []string{"tab-b"}, leaders(b, c))
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	x := f.tab("tab-x")
	f.advanceUntil(func() bool { return x.IsLeader() })

	now := f.clock.Now()
	f.store.SetJSON(f.keys.Tab("tab-stale"), domain.TabInfo{
		ID: "tab-stale", IsLeader: true,
		StartTime:     domain.Millis(now.Add(-time.Hour)),
		LastHeartbeat: domain.Millis(now.Add(-time.Minute)),
	})
	f.store.SetJSON(f.keys.Tab("tab-0"), domain.TabInfo{
		ID: "tab-0", IsLeader: true, SessionID: "s-0",
		StartTime:     domain.Millis(now.Add(-time.Hour)),
		LastHeartbeat: domain.Millis(now),
	})

	x.Reconcile()
	_, ok := f.store.Get(f.keys.Tab("tab-stale"))
	assert.False(t, ok, "stale lease is reclaimed")
	assert.Equal(t, StateFollower, x.State(), "the later starter yields")
	assert.Equal(t, "tab-0", x.LeaderID())
	assert.Equal(t, "s-0", x.LeaderSessionID())
	assert.Equal(t, 2, x.LiveTabs())

	// tab-0 never renews; x notices and takes over.
	f.advanceUntil(func() bool { return x.IsLeader() })
	_, ok = f.store.Get(f.keys.Tab("tab-0"))
	assert.False(t, ok)
}

func TestLeaderConflictResolvedByStartTime(t *testing.T) {
	f := newFixture(t)
	// Two tabs on separate hubs share only the store.
	early := New(f.store, WithTabID("tab-z"), WithChannel(NewHub().Join()), WithClock(f.clock))
	require.NoError(t, early.Start())
	defer early.Close()
	f.advanceUntil(func() bool { return early.IsLeader() })

	late := New(f.store, WithTabID("tab-a"), WithChannel(NewHub().Join()), WithClock(f.clock))
	require.NoError(t, late.Start())
	defer late.Close()

	f.advanceUntil(func() bool { return late.State() == StateFollower })
	assert.True(t, early.IsLeader(), "earlier start wins despite the larger id")
	assert.Equal(t, "tab-z", late.LeaderID())
}

type brokenChannel struct{}

func (brokenChannel) Post(domain.CrossTabMessage) error { return errors.New("boom") }
func (brokenChannel) Subscribe(func(domain.CrossTabMessage)) (func(), error) {
	return func() {}, nil
}
func (brokenChannel) Close() error { return nil }

func TestPostFailureDegradesToSingleTab(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, WithTabID("tab-a"), WithChannel(brokenChannel{}), WithClock(f.clock))
	require.NoError(t, c.Start())
	defer c.Close()

	assert.Equal(t, StateDisabled, c.State())
	assert.True(t, c.IsLeader())
	select {
	case ev := <-c.Events():
		assert.Equal(t, EventLeadershipChanged, ev.Type)
		assert.True(t, ev.IsLeader)
	default:
		t.Fatal("expected leadership event")
	}
}

func TestActivitySharedAcrossTabs(t *testing.T) {
	f := newFixture(t)
	a, b := f.tab("tab-a"), f.tab("tab-b")
	f.advanceUntil(func() bool { return a.IsLeader() && b.State() == StateFollower })

	a.RecordActivity(f.clock.Now().Add(-10 * time.Minute))
	active := f.clock.Now()
	b.RecordActivity(active)

	f.advanceUntil(func() bool { return !a.RemoteActivity().IsZero() })
	assert.Equal(t, domain.Millis(active), domain.Millis(a.RemoteActivity()))
	assert.Equal(t, domain.Millis(active), domain.Millis(a.EffectiveLastActivity()))
}

func TestUnknownMessagesIgnored(t *testing.T) {
	f := newFixture(t)
	a := f.tab("tab-a")
	f.advanceUntil(func() bool { return a.IsLeader() })

	peer := f.hub.Join()
	defer peer.Close()
	require.NoError(t, peer.Post(domain.CrossTabMessage{Type: "future_type", TabID: "tab-9", Timestamp: 1}))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, a.IsLeader())
}
