package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/crosstab"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/recovery"
	"github.com/vburojevic/tabtrail/internal/state"
	"github.com/vburojevic/tabtrail/internal/storage"
)

var (
	// ErrMissingUserID is returned when tracking starts before a user id is set.
	ErrMissingUserID = errors.New("user id is required to start a session")
	// ErrDestroyed is returned by every call after Destroy.
	ErrDestroyed = errors.New("session tracker destroyed")
)

// State is the lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
)

// Config holds the lifecycle timings.
type Config struct {
	// Timeout is the idle time after which a session ends.
	Timeout time.Duration
	// HeartbeatInterval is how often the persisted session is rewritten.
	HeartbeatInterval time.Duration
	// MaxDuration caps a session's length. Zero disables the cap.
	MaxDuration time.Duration
	// CheckInterval is how often inactivity and max duration are checked.
	CheckInterval time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
		CheckInterval:     5 * time.Second,
	}
}

// Coordinator is the cross-tab view the tracker needs.
type Coordinator interface {
	TabID() string
	LeaderSessionID() string
	AnnounceSessionStart(sessionID string)
	AnnounceSessionEnd(sessionID string, trigger domain.EndTrigger)
	RecordActivity(at time.Time)
	EffectiveLastActivity() time.Time
	LiveTabs() int
	Events() <-chan crosstab.Event
}

// Sink receives the session events and is flushed before a session ends.
type Sink interface {
	Track(ev domain.Event)
	Flush(ctx context.Context) error
}

// Tracker drives one tab's session lifecycle: when a session starts,
// continues, joins another tab's session, and ends.
type Tracker struct {
	mu sync.Mutex

	cfg      Config
	shared   *state.SharedState
	store    *storage.Store
	keys     storage.Keys
	recovery *recovery.Store
	coord    Coordinator
	sink     Sink
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(*domain.SessionTransition)
	onLeader func(isLeader bool)

	state        State
	tracking     bool
	destroyed    bool
	sessionID    string
	startTime    time.Time
	lastActivity time.Time

	stop    chan struct{}
	loopWG  sync.WaitGroup
	eventWG sync.WaitGroup
	quit    chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCoordinator connects the tracker to the other tabs.
func WithCoordinator(c Coordinator) Option { return func(t *Tracker) { t.coord = c } }

func WithConfig(cfg Config) Option    { return func(t *Tracker) { t.cfg = cfg } }
func WithClock(c clock.Clock) Option  { return func(t *Tracker) { t.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.logger = l } }
func WithKeys(k storage.Keys) Option  { return func(t *Tracker) { t.keys = k } }
func WithRecovery(r *recovery.Store) Option {
	return func(t *Tracker) { t.recovery = r }
}

// WithTransitionHook receives a record for every state change.
func WithTransitionHook(fn func(*domain.SessionTransition)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// WithLeadershipHook is called whenever this tab gains or loses leadership.
func WithLeadershipHook(fn func(isLeader bool)) Option {
	return func(t *Tracker) { t.onLeader = fn }
}

// NewTracker creates a tracker. Call Init once before StartTracking.
func NewTracker(shared *state.SharedState, store *storage.Store, sink Sink, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    DefaultConfig(),
		shared: shared,
		store:  store,
		keys:   storage.NewKeys(""),
		sink:   sink,
		clock:  clock.New(),
		logger: zap.NewNop(),
		state:  StateIdle,
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	d := DefaultConfig()
	if t.cfg.Timeout <= 0 {
		t.cfg.Timeout = d.Timeout
	}
	if t.cfg.HeartbeatInterval <= 0 {
		t.cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.cfg.CheckInterval <= 0 {
		t.cfg.CheckInterval = d.CheckInterval
	}
	if t.coord == nil {
		t.coord = soloCoordinator{}
	}
	if t.recovery == nil {
		t.recovery = recovery.New(store, recovery.WithClock(t.clock), recovery.WithKeys(t.keys))
	}
	t.logger = t.logger.With(zap.String("tab_id", t.coord.TabID()))
	return t
}

// Init runs startup orphan detection and starts listening to the other tabs.
func (t *Tracker) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	t.recovery.CleanupOldAttempts()
	t.detectOrphanLocked()

	t.eventWG.Add(1)
	go t.watchCoordinator()
	return nil
}

// detectOrphanLocked archives a persisted session whose heartbeat stopped
// longer than the timeout ago, then clears it.
func (t *Tracker) detectOrphanLocked() {
	var persisted domain.Session
	if !t.store.GetJSON(t.keys.Session(), &persisted) {
		return
	}
	if !persisted.Valid() || persisted.Ended() {
		t.store.Remove(t.keys.Session())
		return
	}
	now := t.clock.Now()
	if persisted.HeartbeatAge(now) <= t.cfg.Timeout {
		return
	}

	ctx := domain.SessionContext{
		SessionID:    persisted.SessionID,
		StartTime:    persisted.StartTime,
		LastActivity: persisted.LastActivity,
		TabCount:     t.coord.LiveTabs(),
	}
	if t.recovery.StoreContext(ctx) {
		t.logger.Info("orphaned session archived for recovery",
			zap.String("session_id", persisted.SessionID),
			zap.Int("attempt", t.recovery.Attempts(persisted.SessionID)))
	} else {
		t.logger.Info("orphaned session cleaned up", zap.String("session_id", persisted.SessionID))
		t.sink.Track(t.newEventLocked(domain.EventSessionEnd, persisted.SessionID, func(ev *domain.Event) {
			ev.Trigger = domain.EndOrphanedCleanup
		}))
	}
	t.store.Remove(t.keys.Session())
}

// StartTracking enables the lifecycle. A session starts on the next
// qualifying activity.
func (t *Tracker) StartTracking(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	if t.shared.GetString(state.KeyUserID) == "" {
		return ErrMissingUserID
	}
	if t.tracking {
		return nil
	}
	t.tracking = true
	t.stop = make(chan struct{})
	t.loopWG.Add(1)
	go t.loop(t.stop)
	t.logger.Debug("tracking started")
	return nil
}

// StopTracking ends the current session with manual_stop and stops the
// timers. Tracking can be started again.
func (t *Tracker) StopTracking(ctx context.Context) error {
	if err := t.End(ctx, domain.EndManualStop); err != nil {
		return err
	}
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return nil
	}
	t.tracking = false
	close(t.stop)
	t.mu.Unlock()
	t.loopWG.Wait()
	t.logger.Debug("tracking stopped")
	return nil
}

// Destroy stops tracking and detaches from the coordinator. The tracker is
// unusable afterwards.
func (t *Tracker) Destroy(ctx context.Context) error {
	err := t.StopTracking(ctx)
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	close(t.quit)
	t.mu.Unlock()
	t.eventWG.Wait()
	return err
}

// Activity records user activity of kind. Qualifying activity starts a
// session when none is active and revives an inactive one.
func (t *Tracker) Activity(ctx context.Context, kind domain.EventKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	if !t.tracking || !kind.Qualifying() {
		return nil
	}
	now := t.clock.Now()

	if (t.state == StateActive || t.state == StateInactive) && t.maxDurationReachedLocked(now) {
		t.endLocked(ctx, domain.EndTimeout)
	}

	switch t.state {
	case StateIdle, StateEnded:
		t.lastActivity = now
		t.coord.RecordActivity(now)
		return t.startLocked(ctx, now)
	case StateInactive:
		t.transitionLocked(StateActive, "activity")
	case StateStarting, StateEnding:
		return nil
	}
	t.lastActivity = now
	t.coord.RecordActivity(now)
	return nil
}

// Unload ends the session because the tab is going away. When other live
// tabs keep the session, the trigger is tab_closed and the session record
// stays for them.
func (t *Tracker) Unload(ctx context.Context) error {
	trigger := domain.EndPageUnload
	if t.coord.LiveTabs() > 1 {
		trigger = domain.EndTabClosed
	}
	return t.End(ctx, trigger)
}

// End ends the current session with trigger. Ending an already ended session
// is a no-op.
func (t *Tracker) End(ctx context.Context, trigger domain.EndTrigger) error {
	if !trigger.Valid() {
		return fmt.Errorf("unknown end trigger %q", trigger)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked(ctx, trigger)
	return nil
}

// SessionID returns the active session id, or "".
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive && t.state != StateInactive {
		return ""
	}
	return t.sessionID
}

// State returns the lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Tracking reports whether StartTracking is in effect.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// startLocked moves Idle to Active. It joins the leader's session, continues
// a fresh persisted session, resumes a recoverable orphan, or starts a new
// session, in that order.
func (t *Tracker) startLocked(ctx context.Context, now time.Time) error {
	t.transitionLocked(StateStarting, "activity")
	t.sessionID = ""

	if t.shared.GetString(state.KeyUserID) == "" {
		t.forceCleanupLocked(ctx, ErrMissingUserID)
		return ErrMissingUserID
	}

	var (
		id        string
		start     = now
		announce  bool
		emit      bool
		recovered bool
		reason    string
	)
	var persisted domain.Session
	hasPersisted := t.store.GetJSON(t.keys.Session(), &persisted) && persisted.Valid() && !persisted.Ended()

	if leader := t.coord.LeaderSessionID(); leader != "" {
		id, reason = leader, "joined"
		if hasPersisted && persisted.SessionID == leader {
			start = domain.FromMillis(persisted.StartTime)
		}
	} else if hasPersisted && persisted.HeartbeatAge(now) <= t.cfg.Timeout {
		id, reason = persisted.SessionID, "continued"
		start = domain.FromMillis(persisted.StartTime)
		announce = true
	} else if sc := t.recovery.ConsumeContext(); sc != nil {
		id, reason = sc.SessionID, "recovered"
		if sc.StartTime > 0 {
			start = domain.FromMillis(sc.StartTime)
		}
		announce, emit, recovered = true, true, true
	} else {
		id, reason = uuid.NewString(), "new"
		announce, emit = true, true
	}

	t.sessionID = id
	t.startTime = start
	if err := t.shared.Set(ctx, state.KeySessionID, id); err != nil {
		t.forceCleanupLocked(ctx, err)
		return fmt.Errorf("failed to publish session id: %w", err)
	}
	t.persistLocked(now)
	if announce {
		t.coord.AnnounceSessionStart(id)
	}
	if emit {
		t.sink.Track(t.newEventLocked(domain.EventSessionStart, id, func(ev *domain.Event) {
			ev.Recovered = recovered
		}))
	}
	t.logger.Info("session started", zap.String("session_id", id), zap.String("how", reason))
	t.transitionLocked(StateActive, reason)
	return nil
}

// forceCleanupLocked undoes a failed start.
func (t *Tracker) forceCleanupLocked(ctx context.Context, cause error) {
	id := t.sessionID
	t.logger.Warn("session start failed, cleaning up", zap.String("session_id", id), zap.Error(cause))
	t.sessionID = ""
	t.store.Remove(t.keys.Session())
	t.shared.Enqueue(map[string]any{state.KeySessionID: nil})
	if id != "" {
		t.coord.AnnounceSessionEnd(id, domain.EndOrphanedCleanup)
	}
	t.sink.Track(t.newEventLocked(domain.EventSessionEnd, id, func(ev *domain.Event) {
		ev.Trigger = domain.EndOrphanedCleanup
	}))
	t.transitionLocked(StateIdle, "start failed")
}

func (t *Tracker) endLocked(ctx context.Context, trigger domain.EndTrigger) {
	if t.state != StateActive && t.state != StateInactive {
		return
	}
	id := t.sessionID
	t.transitionLocked(StateEnding, string(trigger))
	t.sink.Track(t.newEventLocked(domain.EventSessionEnd, id, func(ev *domain.Event) {
		ev.Trigger = trigger
	}))

	t.mu.Unlock()
	err := t.sink.Flush(ctx)
	t.mu.Lock()
	if err != nil {
		t.logger.Warn("flush before session end failed", zap.Error(err))
	}

	if trigger == domain.EndTabClosed {
		// Other tabs keep the session and its record.
		t.persistLocked(t.clock.Now())
	} else {
		t.store.Remove(t.keys.Session())
		t.coord.AnnounceSessionEnd(id, trigger)
	}
	if err := t.shared.Set(ctx, state.KeySessionID, nil); err != nil {
		t.logger.Debug("failed to clear shared session id", zap.Error(err))
	}
	t.sessionID = ""
	t.logger.Info("session ended", zap.String("session_id", id), zap.String("trigger", string(trigger)))
	t.transitionLocked(StateEnded, string(trigger))
}

// detachLocked drops the local session after another tab ended it. No end
// event is emitted here; the ending tab did that.
func (t *Tracker) detachLocked(sessionID string, trigger domain.EndTrigger) {
	if (t.state != StateActive && t.state != StateInactive) || t.sessionID != sessionID {
		return
	}
	t.shared.Enqueue(map[string]any{state.KeySessionID: nil})
	t.sessionID = ""
	t.logger.Info("session ended by another tab", zap.String("session_id", sessionID), zap.String("trigger", string(trigger)))
	t.transitionLocked(StateEnded, "remote "+string(trigger))
}

// joinLocked switches an active session to one announced by another tab.
func (t *Tracker) joinLocked(sessionID string) {
	if (t.state != StateActive && t.state != StateInactive) || sessionID == t.sessionID {
		return
	}
	t.logger.Info("joining session from another tab",
		zap.String("previous", t.sessionID), zap.String("session_id", sessionID))
	t.sessionID = sessionID
	var persisted domain.Session
	if t.store.GetJSON(t.keys.Session(), &persisted) && persisted.SessionID == sessionID {
		t.startTime = domain.FromMillis(persisted.StartTime)
	}
	t.shared.Enqueue(map[string]any{state.KeySessionID: sessionID})
	t.emitTransitionLocked(t.state, t.state, "joined")
}

func (t *Tracker) watchCoordinator() {
	defer t.eventWG.Done()
	events := t.coord.Events()
	for {
		select {
		case <-t.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.mu.Lock()
			switch ev.Type {
			case crosstab.EventSessionStarted:
				t.joinLocked(ev.SessionID)
			case crosstab.EventSessionEnded:
				if ev.Trigger != domain.EndTabClosed {
					t.detachLocked(ev.SessionID, ev.Trigger)
				}
			case crosstab.EventLeadershipChanged:
				t.logger.Debug("leadership changed", zap.Bool("leader", ev.IsLeader))
			}
			t.mu.Unlock()
			// Outside the lock: hooks may query the tracker.
			if ev.Type == crosstab.EventLeadershipChanged && t.onLeader != nil {
				t.onLeader(ev.IsLeader)
			}
		}
	}
}

func (t *Tracker) loop(stop <-chan struct{}) {
	defer t.loopWG.Done()
	heartbeat := t.clock.Ticker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	check := t.clock.Ticker(t.cfg.CheckInterval)
	defer check.Stop()
	for {
		select {
		case <-stop:
			return
		case <-heartbeat.C:
			t.Heartbeat()
		case <-check.C:
			t.Check(context.Background())
		}
	}
}

// Heartbeat rewrites the persisted session record.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive && t.state != StateInactive {
		return
	}
	t.persistLocked(t.clock.Now())
}

// Check applies the inactivity and max duration rules. It runs on the check
// interval and may be called directly.
func (t *Tracker) Check(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive && t.state != StateInactive {
		return
	}
	now := t.clock.Now()
	if t.maxDurationReachedLocked(now) {
		t.endLocked(ctx, domain.EndTimeout)
		return
	}
	if now.Sub(t.lastActivity) <= t.cfg.Timeout {
		return
	}
	if effective := t.coord.EffectiveLastActivity(); now.Sub(effective) <= t.cfg.Timeout {
		if t.state == StateActive {
			t.transitionLocked(StateInactive, "idle, other tab active")
		}
		return
	}
	t.endLocked(ctx, domain.EndInactivity)
}

func (t *Tracker) maxDurationReachedLocked(now time.Time) bool {
	return t.cfg.MaxDuration > 0 && now.Sub(t.startTime) >= t.cfg.MaxDuration
}

func (t *Tracker) persistLocked(now time.Time) {
	rec := domain.NewSession(t.sessionID, t.startTime)
	rec.LastActivity = domain.Millis(t.lastActivity)
	rec.LastHeartbeat = domain.Millis(now)
	t.store.SetJSON(t.keys.Session(), rec)
}

func (t *Tracker) newEventLocked(kind domain.EventKind, sessionID string, fill func(*domain.Event)) domain.Event {
	ev := domain.Event{
		Kind:      kind,
		SessionID: sessionID,
		UserID:    t.shared.GetString(state.KeyUserID),
		PageURL:   t.shared.GetString(state.KeyPageURL),
		Timestamp: domain.Millis(t.clock.Now()),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (t *Tracker) transitionLocked(to State, reason string) {
	from := t.state
	t.state = to
	t.emitTransitionLocked(from, to, reason)
}

func (t *Tracker) emitTransitionLocked(from, to State, reason string) {
	if t.onChange == nil {
		return
	}
	t.onChange(domain.NewSessionTransition(t.coord.TabID(), t.sessionID, string(from), string(to), reason, t.clock.Now()))
}

// soloCoordinator stands in when no coordinator is configured.
type soloCoordinator struct{}

func (soloCoordinator) TabID() string                                { return "" }
func (soloCoordinator) LeaderSessionID() string                      { return "" }
func (soloCoordinator) AnnounceSessionStart(string)                  {}
func (soloCoordinator) AnnounceSessionEnd(string, domain.EndTrigger) {}
func (soloCoordinator) RecordActivity(time.Time)                     {}
func (soloCoordinator) EffectiveLastActivity() time.Time             { return time.Time{} }
func (soloCoordinator) LiveTabs() int                                { return 1 }
func (soloCoordinator) Events() <-chan crosstab.Event                { return nil }
