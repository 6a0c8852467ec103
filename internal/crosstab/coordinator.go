package crosstab

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// State is the coordinator state.
type State int

const (
	StateUninitialized State = iota
	StateElecting
	StateLeader
	StateFollower
	StateClosing
	StateTerminated
	// StateDisabled is single-tab mode: the tab is implicitly leader and
	// nothing is broadcast.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateElecting:
		return "electing"
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// ErrAlreadyStarted is returned by Start when called twice.
var ErrAlreadyStarted = errors.New("coordinator already started")

// Config holds the coordination timings.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	ReconcileInterval time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		ElectionTimeout:   500 * time.Millisecond,
		ReconcileInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = d.ElectionTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	return c
}

// EventType identifies a coordinator event.
type EventType string

const (
	// EventSessionStarted: another tab started or announced a session.
	EventSessionStarted EventType = "session_started"
	// EventSessionEnded: another tab ended the shared session.
	EventSessionEnded EventType = "session_ended"
	// EventLeadershipChanged: this tab gained or lost leadership.
	EventLeadershipChanged EventType = "leadership_changed"
)

// Event is delivered to the session lifecycle over Events().
type Event struct {
	Type      EventType
	TabID     string
	SessionID string
	Trigger   domain.EndTrigger
	IsLeader  bool
}

// Coordinator runs leader election and session sharing for one tab.
type Coordinator struct {
	mu sync.Mutex

	tabID   string
	cfg     Config
	channel Channel
	store   *storage.Store
	keys    storage.Keys
	clock   clock.Clock
	logger  *zap.Logger

	state          State
	startTime      time.Time
	sessionID      string
	leaderID       string
	leaderSeen     time.Time
	lastActivity   time.Time
	remoteActivity map[string]int64

	electionTimer *clock.Timer
	unsubscribe   func()
	events        chan Event
	closed        chan struct{}
	wg            sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTabID sets the tab id. A random uuid is used otherwise.
func WithTabID(id string) Option { return func(c *Coordinator) { c.tabID = id } }

// WithChannel sets the broadcast channel. Without one the coordinator runs in
// single-tab mode.
func WithChannel(ch Channel) Option { return func(c *Coordinator) { c.channel = ch } }

func WithClock(cl clock.Clock) Option { return func(c *Coordinator) { c.clock = cl } }
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }
func WithKeys(k storage.Keys) Option  { return func(c *Coordinator) { c.keys = k } }
func WithConfig(cfg Config) Option    { return func(c *Coordinator) { c.cfg = cfg } }

// New creates a coordinator. It does nothing until Start.
func New(store *storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:            DefaultConfig(),
		store:          store,
		keys:           storage.NewKeys(""),
		clock:          clock.New(),
		logger:         zap.NewNop(),
		remoteActivity: make(map[string]int64),
		events:         make(chan Event, 64),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tabID == "" {
		c.tabID = uuid.NewString()
	}
	c.cfg = c.cfg.withDefaults()
	c.logger = c.logger.With(zap.String("tab_id", c.tabID))
	return c
}

// TabID returns this tab's id.
func (c *Coordinator) TabID() string { return c.tabID }

// Events delivers cross-tab session and leadership changes. It is closed by
// Close.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLeader reports whether this tab currently leads, including single-tab
// mode.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeaderLocked()
}

func (c *Coordinator) isLeaderLocked() bool {
	return c.state == StateLeader || c.state == StateDisabled
}

// LeaderID returns the id of the tab believed to lead, or "".
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// Start registers the tab and begins the first election. Without a channel
// the tab leads alone.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninitialized {
		return ErrAlreadyStarted
	}
	c.startTime = c.clock.Now()

	if c.channel == nil {
		c.logger.Debug("no broadcast channel, single-tab mode")
		c.disableLocked()
		c.startLoops()
		return nil
	}

	unsubscribe, err := c.channel.Subscribe(c.handleMessage)
	if err != nil {
		c.logger.Warn("broadcast subscribe failed, single-tab mode", zap.Error(err))
		c.disableLocked()
		c.startLoops()
		return nil
	}
	c.unsubscribe = unsubscribe
	c.startElectionLocked()
	c.startLoops()
	return nil
}

func (c *Coordinator) startLoops() {
	c.wg.Add(2)
	go c.loop(c.cfg.HeartbeatInterval, c.heartbeat)
	go c.loop(c.cfg.ReconcileInterval, c.Reconcile)
}

func (c *Coordinator) loop(interval time.Duration, fn func()) {
	defer c.wg.Done()
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// disableLocked switches to single-tab mode.
func (c *Coordinator) disableLocked() {
	c.stopElectionTimerLocked()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.state = StateDisabled
	c.leaderID = c.tabID
	c.writeTabInfoLocked()
}

func (c *Coordinator) startElectionLocked() {
	c.state = StateElecting
	c.leaderID = ""
	c.writeTabInfoLocked()
	if !c.postLocked(domain.MsgElectionRequest, nil) {
		return
	}
	c.armElectionTimerLocked()
}

func (c *Coordinator) armElectionTimerLocked() {
	c.stopElectionTimerLocked()
	c.electionTimer = c.clock.AfterFunc(c.cfg.ElectionTimeout, c.onElectionTimeout)
}

func (c *Coordinator) stopElectionTimerLocked() {
	if c.electionTimer != nil {
		c.electionTimer.Stop()
		c.electionTimer = nil
	}
}

func (c *Coordinator) onElectionTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateElecting {
		return
	}
	c.electionTimer = nil

	fresh := c.freshTabsLocked()
	if leader, ok := lo.Find(fresh, func(t domain.TabInfo) bool { return t.IsLeader && t.ID != c.tabID }); ok {
		c.followLocked(leader.ID, leader.SessionID)
		return
	}
	best := c.bestCandidate(fresh)
	if best == c.tabID {
		c.becomeLeaderLocked()
		return
	}
	// An earlier tab is still electing; give it another round.
	c.logger.Debug("deferring to earlier candidate", zap.String("candidate", best))
	c.armElectionTimerLocked()
}

// bestCandidate returns the tab that wins a leadership conflict among tabs.
// This tab is always a candidate.
func (c *Coordinator) bestCandidate(tabs []domain.TabInfo) string {
	self := c.selfInfoLocked()
	best := self
	for _, t := range tabs {
		if t.Precedes(best) {
			best = t
		}
	}
	return best.ID
}

func (c *Coordinator) becomeLeaderLocked() {
	was := c.state
	c.stopElectionTimerLocked()
	c.state = StateLeader
	c.leaderID = c.tabID
	c.leaderSeen = c.clock.Now()
	c.writeTabInfoLocked()
	c.logger.Info("became leader", zap.String("from", was.String()))
	c.emitLocked(Event{Type: EventLeadershipChanged, TabID: c.tabID, SessionID: c.sessionID, IsLeader: true})
	c.postHeartbeatLocked()
}

func (c *Coordinator) followLocked(leaderID, sessionID string) {
	was := c.state
	c.stopElectionTimerLocked()
	c.state = StateFollower
	c.leaderID = leaderID
	c.leaderSeen = c.clock.Now()
	c.writeTabInfoLocked()
	if was == StateLeader {
		c.logger.Info("yielded leadership", zap.String("leader", leaderID))
		c.emitLocked(Event{Type: EventLeadershipChanged, TabID: c.tabID, SessionID: c.sessionID, IsLeader: false})
	} else if was != StateFollower {
		c.logger.Debug("following leader", zap.String("leader", leaderID))
	}
	c.adoptSessionLocked(leaderID, sessionID)
}

// adoptSessionLocked records a session id announced by another tab.
func (c *Coordinator) adoptSessionLocked(fromTab, sessionID string) {
	if sessionID == "" || sessionID == c.sessionID {
		return
	}
	c.sessionID = sessionID
	c.writeTabInfoLocked()
	c.emitLocked(Event{Type: EventSessionStarted, TabID: fromTab, SessionID: sessionID})
}

func (c *Coordinator) handleMessage(msg domain.CrossTabMessage) {
	if msg.TabID == c.tabID || !msg.Type.Known() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateElecting, StateLeader, StateFollower:
	default:
		return
	}

	if ts, ok := msg.Int64("lastActivity"); ok && ts > c.remoteActivity[msg.TabID] {
		c.remoteActivity[msg.TabID] = ts
	}

	switch msg.Type {
	case domain.MsgElectionRequest:
		if c.state == StateLeader {
			c.postLocked(domain.MsgElectionResponse, nil)
		}

	case domain.MsgElectionResponse:
		c.onLeaderClaimLocked(msg)

	case domain.MsgHeartbeat:
		if msg.Bool("isLeader") {
			c.onLeaderClaimLocked(msg)
		}

	case domain.MsgSessionStart:
		if msg.TabID == c.leaderID {
			c.leaderSeen = c.clock.Now()
		}
		c.adoptSessionLocked(msg.TabID, msg.SessionID)

	case domain.MsgSessionEnd:
		if msg.SessionID != "" && msg.SessionID == c.sessionID {
			c.sessionID = ""
			c.writeTabInfoLocked()
			c.emitLocked(Event{
				Type:      EventSessionEnded,
				TabID:     msg.TabID,
				SessionID: msg.SessionID,
				Trigger:   domain.EndTrigger(msg.String("trigger")),
			})
		}

	case domain.MsgTabClosing:
		delete(c.remoteActivity, msg.TabID)
		if msg.TabID == c.leaderID && c.state == StateFollower {
			c.logger.Debug("leader closing, starting election", zap.String("leader", msg.TabID))
			c.startElectionLocked()
		}
	}
}

// onLeaderClaimLocked handles a message from a tab that says it leads.
func (c *Coordinator) onLeaderClaimLocked(msg domain.CrossTabMessage) {
	switch c.state {
	case StateElecting:
		c.followLocked(msg.TabID, msg.SessionID)
	case StateFollower:
		c.leaderID = msg.TabID
		c.leaderSeen = c.clock.Now()
		c.adoptSessionLocked(msg.TabID, msg.SessionID)
	case StateLeader:
		var other domain.TabInfo
		if !c.store.GetJSON(c.keys.Tab(msg.TabID), &other) {
			return
		}
		if other.Precedes(c.selfInfoLocked()) {
			c.followLocked(other.ID, msg.SessionID)
		} else {
			// Reassert so the other tab yields.
			c.postHeartbeatLocked()
		}
	}
}

func (c *Coordinator) heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateElecting, StateLeader, StateFollower, StateDisabled:
	default:
		return
	}
	c.writeTabInfoLocked()
	if c.state == StateDisabled {
		return
	}
	c.postHeartbeatLocked()

	if c.state == StateFollower && c.clock.Since(c.leaderSeen) > c.cfg.HeartbeatTimeout {
		var leader domain.TabInfo
		if c.store.GetJSON(c.keys.Tab(c.leaderID), &leader) && leader.IsLeader &&
			!leader.Stale(c.clock.Now(), c.cfg.HeartbeatTimeout) {
			c.leaderSeen = domain.FromMillis(leader.LastHeartbeat)
			return
		}
		c.logger.Info("leader stale, starting election", zap.String("leader", c.leaderID))
		c.startElectionLocked()
	}
}

func (c *Coordinator) postHeartbeatLocked() {
	c.postLocked(domain.MsgHeartbeat, map[string]any{
		"isLeader":     c.isLeaderLocked(),
		"lastActivity": domain.Millis(c.lastActivity),
	})
}

// Reconcile reclaims stale leases and settles leadership from the store. It
// runs on the reconcile interval and may be called directly.
func (c *Coordinator) Reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateLeader, StateFollower, StateElecting:
	default:
		return
	}
	c.writeTabInfoLocked()
	fresh := c.freshTabsLocked()
	self := c.selfInfoLocked()

	for _, t := range fresh {
		if t.LastActivity > c.remoteActivity[t.ID] {
			c.remoteActivity[t.ID] = t.LastActivity
		}
	}

	leaders := lo.Filter(fresh, func(t domain.TabInfo, _ int) bool { return t.IsLeader })
	switch c.state {
	case StateLeader:
		for _, l := range leaders {
			if l.Precedes(self) {
				c.followLocked(l.ID, l.SessionID)
				return
			}
		}
	case StateFollower:
		if len(leaders) == 0 {
			if c.bestCandidate(fresh) == c.tabID {
				c.logger.Debug("no live leader in store, promoting")
				c.becomeLeaderLocked()
			}
			return
		}
		leader := lo.MinBy(leaders, func(a, b domain.TabInfo) bool { return a.Precedes(b) })
		if leader.ID != c.leaderID {
			c.leaderID = leader.ID
		}
		if seen := domain.FromMillis(leader.LastHeartbeat); seen.After(c.leaderSeen) {
			c.leaderSeen = seen
		}
	}
}

// freshTabsLocked returns the live leases of other tabs and deletes stale ones.
func (c *Coordinator) freshTabsLocked() []domain.TabInfo {
	now := c.clock.Now()
	var fresh []domain.TabInfo
	for _, key := range c.store.Keys(c.keys.TabPrefix()) {
		var info domain.TabInfo
		if !c.store.GetJSON(key, &info) {
			continue
		}
		if info.ID == c.tabID {
			continue
		}
		if info.Stale(now, c.cfg.HeartbeatTimeout) {
			c.logger.Debug("reclaiming stale tab lease", zap.String("tab", info.ID))
			c.store.Remove(key)
			delete(c.remoteActivity, info.ID)
			continue
		}
		fresh = append(fresh, info)
	}
	return fresh
}

// LiveTabs returns the number of live tabs, this one included.
func (c *Coordinator) LiveTabs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated || c.state == StateUninitialized {
		return 0
	}
	return len(c.freshTabsLocked()) + 1
}

func (c *Coordinator) selfInfoLocked() domain.TabInfo {
	return domain.TabInfo{
		SchemaVersion: domain.SchemaVersion,
		ID:            c.tabID,
		LastHeartbeat: domain.Millis(c.clock.Now()),
		IsLeader:      c.isLeaderLocked(),
		SessionID:     c.sessionID,
		StartTime:     domain.Millis(c.startTime),
		LastActivity:  domain.Millis(c.lastActivity),
	}
}

func (c *Coordinator) writeTabInfoLocked() {
	c.store.SetJSON(c.keys.Tab(c.tabID), c.selfInfoLocked())
}

// postLocked broadcasts a message. A failure switches to single-tab mode and
// returns false.
func (c *Coordinator) postLocked(typ domain.MessageType, data map[string]any) bool {
	msg := domain.NewMessage(typ, c.tabID, c.sessionID, c.clock.Now())
	msg.Data = data
	if err := c.channel.Post(msg); err != nil {
		c.logger.Warn("broadcast failed, single-tab mode", zap.String("type", string(typ)), zap.Error(err))
		wasLeader := c.isLeaderLocked()
		c.disableLocked()
		if !wasLeader {
			c.emitLocked(Event{Type: EventLeadershipChanged, TabID: c.tabID, SessionID: c.sessionID, IsLeader: true})
		}
		return false
	}
	return true
}

func (c *Coordinator) emitLocked(ev Event) {
	if c.state == StateTerminated {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("coordinator event dropped", zap.String("type", string(ev.Type)))
	}
}

// LeaderSessionID returns the session id shared by the tabs, or "" when no
// session is active or no leader is known.
func (c *Coordinator) LeaderSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderID == "" {
		return ""
	}
	return c.sessionID
}

// AnnounceSessionStart publishes a session started by this tab.
func (c *Coordinator) AnnounceSessionStart(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.writeTabInfoLocked()
	if c.state == StateElecting || c.state == StateLeader || c.state == StateFollower {
		c.postLocked(domain.MsgSessionStart, nil)
	}
}

// AnnounceSessionEnd publishes the end of sessionID.
func (c *Coordinator) AnnounceSessionEnd(sessionID string, trigger domain.EndTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
	c.writeTabInfoLocked()
	if c.state == StateElecting || c.state == StateLeader || c.state == StateFollower {
		msg := domain.NewMessage(domain.MsgSessionEnd, c.tabID, sessionID, c.clock.Now())
		msg.Data = map[string]any{"trigger": string(trigger)}
		if err := c.channel.Post(msg); err != nil {
			c.logger.Warn("broadcast failed, single-tab mode", zap.Error(err))
			c.disableLocked()
		}
	}
}

// RecordActivity notes local user activity. It is shared with the other
// tabs through heartbeats and the tab lease.
func (c *Coordinator) RecordActivity(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.lastActivity) {
		c.lastActivity = at
	}
}

// EffectiveLastActivity returns the latest activity seen in any live tab,
// this one included.
func (c *Coordinator) EffectiveLastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	latest := domain.Millis(c.lastActivity)
	for _, ts := range c.remoteActivity {
		if ts > latest {
			latest = ts
		}
	}
	return domain.FromMillis(latest)
}

// RemoteActivity returns the latest activity seen in other tabs.
func (c *Coordinator) RemoteActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := lo.Values(c.remoteActivity)
	if len(values) == 0 {
		return time.Time{}
	}
	return domain.FromMillis(lo.Max(values))
}

// Close releases the lease, tells the other tabs and stops all timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	started := c.state != StateUninitialized
	c.state = StateClosing
	c.stopElectionTimerLocked()
	if c.channel != nil && c.unsubscribe != nil {
		msg := domain.NewMessage(domain.MsgTabClosing, c.tabID, c.sessionID, c.clock.Now())
		if err := c.channel.Post(msg); err != nil {
			c.logger.Debug("tab_closing broadcast failed", zap.Error(err))
		}
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if started {
		c.store.Remove(c.keys.Tab(c.tabID))
	}
	close(c.closed)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.state = StateTerminated
	close(c.events)
	c.mu.Unlock()
	c.logger.Debug("coordinator closed")
}
