// Package sdk wires storage, shared state, sampling, recovery, cross-tab
// coordination, the session lifecycle and delivery into one tab-scoped
// client.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/config"
	"github.com/vburojevic/tabtrail/internal/crosstab"
	"github.com/vburojevic/tabtrail/internal/delivery"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/filter"
	"github.com/vburojevic/tabtrail/internal/recovery"
	"github.com/vburojevic/tabtrail/internal/sampling"
	"github.com/vburojevic/tabtrail/internal/session"
	"github.com/vburojevic/tabtrail/internal/state"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// ErrClosed is returned by every call after Destroy.
var ErrClosed = errors.New("tabtrail client destroyed")

// Client is one tab.
type Client struct {
	cfg    *config.Config
	tabID  string
	clock  clock.Clock
	logger *zap.Logger

	store     *storage.Store
	ownsStore bool
	keys      storage.Keys
	shared    *state.SharedState
	recovery  *recovery.Store
	channel   crosstab.Channel
	coord     *crosstab.Coordinator
	engine    *delivery.Engine
	tracker   *session.Tracker

	hub          *crosstab.Hub
	extra        []delivery.Route
	observer     delivery.Observer
	onTransition func(*domain.SessionTransition)
	onLeader     func(tabID string, isLeader bool)

	mu        sync.Mutex
	destroyed bool
}

// Option configures a Client.
type Option func(*Client)

// WithTabID fixes the tab id. A uuid is generated otherwise.
func WithTabID(id string) Option { return func(c *Client) { c.tabID = id } }

// WithStore shares an existing store, typically between in-process tabs. The
// client does not close it.
func WithStore(s *storage.Store) Option { return func(c *Client) { c.store = s } }

// WithHub joins an in-process broadcast hub instead of creating a private one.
func WithHub(h *crosstab.Hub) Option { return func(c *Client) { c.hub = h } }

// WithIntegration adds an integration on top of the configured ones.
func WithIntegration(in delivery.Integration, f *filter.Pipeline) Option {
	return func(c *Client) { c.extra = append(c.extra, delivery.Route{Integration: in, Filter: f}) }
}

func WithObserver(o delivery.Observer) Option { return func(c *Client) { c.observer = o } }
func WithClock(cl clock.Clock) Option         { return func(c *Client) { c.clock = cl } }
func WithLogger(l *zap.Logger) Option         { return func(c *Client) { c.logger = l } }

// WithTransitionHook receives every session lifecycle transition.
func WithTransitionHook(fn func(*domain.SessionTransition)) Option {
	return func(c *Client) { c.onTransition = fn }
}

// WithLeadershipHook is told when this tab gains or loses leadership.
func WithLeadershipHook(fn func(tabID string, isLeader bool)) Option {
	return func(c *Client) { c.onLeader = fn }
}

// New builds a client from cfg. Nothing runs until Init.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tabID == "" {
		c.tabID = uuid.NewString()
	}
	c.logger = c.logger.With(zap.String("tab_id", c.tabID))
	c.keys = storage.NewKeys(cfg.Namespace)

	if c.store == nil {
		c.store = OpenStore(cfg, c.clock, c.logger)
		c.ownsStore = true
	}
	c.shared = state.New(c.logger)
	c.recovery = recovery.New(c.store,
		recovery.WithClock(c.clock),
		recovery.WithLogger(c.logger),
		recovery.WithKeys(c.keys),
		recovery.WithMaxAttempts(cfg.Recovery.MaxAttempts),
		recovery.WithWindow(cfg.Recovery.Window),
	)

	routes, err := buildRoutes(cfg.Integrations)
	if err != nil {
		c.shared.Close()
		return nil, err
	}
	routes = append(routes, c.extra...)
	engineOpts := []delivery.Option{
		delivery.WithConfig(delivery.Config{
			BatchSize:        cfg.Delivery.BatchSize,
			FlushInterval:    cfg.Delivery.FlushInterval,
			RetryBaseDelay:   cfg.Delivery.RetryBaseDelay,
			MaxRetries:       cfg.Delivery.MaxRetries,
			MaxBacklog:       cfg.Delivery.MaxBacklog,
			PersistPermanent: cfg.Delivery.PersistPermanent,
			DedupeWindow:     cfg.Delivery.DedupeWindow,
		}),
		delivery.WithClock(c.clock),
		delivery.WithLogger(c.logger),
		delivery.WithKeys(c.keys),
		delivery.WithSampler(sampling.New(cfg.Sampling.Rate, cfg.Sampling.Kinds, cfg.Sampling.Debug)),
		delivery.WithUserID(func() string { return c.shared.GetString(state.KeyUserID) }),
	}
	if c.observer != nil {
		engineOpts = append(engineOpts, delivery.WithObserver(c.observer))
	}
	c.engine = delivery.NewEngine(c.store, routes, engineOpts...)

	trackerOpts := []session.Option{
		session.WithConfig(session.Config{
			Timeout:           cfg.Session.Timeout,
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			MaxDuration:       cfg.Session.MaxDuration,
			CheckInterval:     cfg.Session.CheckInterval,
		}),
		session.WithClock(c.clock),
		session.WithLogger(c.logger),
		session.WithKeys(c.keys),
		session.WithRecovery(c.recovery),
		session.WithTransitionHook(c.onTransition),
		session.WithLeadershipHook(func(isLeader bool) {
			if c.onLeader != nil {
				c.onLeader(c.tabID, isLeader)
			}
		}),
	}
	if cfg.CrossTab.Enabled {
		ch, err := c.openChannel()
		if err != nil {
			// A tab that cannot reach the others still works on its own.
			c.logger.Warn("broadcast channel unavailable, single-tab mode", zap.Error(err))
		}
		c.channel = ch
		coordOpts := []crosstab.Option{
			crosstab.WithTabID(c.tabID),
			crosstab.WithClock(c.clock),
			crosstab.WithLogger(c.logger),
			crosstab.WithKeys(c.keys),
			crosstab.WithConfig(crosstab.Config{
				HeartbeatInterval: cfg.CrossTab.HeartbeatInterval,
				HeartbeatTimeout:  cfg.CrossTab.HeartbeatTimeout,
				ElectionTimeout:   cfg.CrossTab.ElectionTimeout,
				ReconcileInterval: cfg.CrossTab.ReconcileInterval,
			}),
		}
		if ch != nil {
			coordOpts = append(coordOpts, crosstab.WithChannel(ch))
		}
		c.coord = crosstab.New(c.store, coordOpts...)
		trackerOpts = append(trackerOpts, session.WithCoordinator(c.coord))
	}
	c.tracker = session.NewTracker(c.shared, c.store, c.engine, trackerOpts...)
	return c, nil
}

// OpenStore builds the persistent store for cfg. A backend that cannot be
// opened leaves the store on its in-memory fallback.
func OpenStore(cfg *config.Config, cl clock.Clock, logger *zap.Logger) *storage.Store {
	opts := []storage.Option{
		storage.WithClock(cl),
		storage.WithLogger(logger),
		storage.WithKeys(storage.NewKeys(cfg.Namespace)),
	}
	backend, err := storage.BuildBackendFromDSN(cfg.Store)
	if err != nil {
		logger.Warn("storage backend unavailable, using in-memory fallback",
			zap.String("store", cfg.Store), zap.Error(err))
		return storage.NewStore(nil, opts...)
	}
	return storage.NewStore(backend, opts...)
}

func buildRoutes(integrations []config.IntegrationConfig) ([]delivery.Route, error) {
	routes := make([]delivery.Route, 0, len(integrations))
	for _, in := range integrations {
		httpIntegration, err := delivery.NewHTTPIntegration(delivery.HTTPIntegrationOptions{
			Name:      in.Name,
			URL:       in.URL,
			Headers:   in.Headers,
			Timeout:   in.Timeout,
			UserAgent: "tabtrail",
		})
		if err != nil {
			return nil, err
		}
		pipeline, err := filter.Build(in.Where, in.Exclude)
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", in.Name, err)
		}
		routes = append(routes, delivery.Route{Integration: httpIntegration, Filter: pipeline})
	}
	return routes, nil
}

func (c *Client) openChannel() (crosstab.Channel, error) {
	if c.cfg.CrossTab.Channel == "file" {
		ch, err := crosstab.NewFileChannel(c.cfg.CrossTab.Dir, crosstab.WithFileChannelLogger(c.logger))
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	if c.hub == nil {
		c.hub = crosstab.NewHub()
	}
	return c.hub.Join(), nil
}

// Init restores the persisted user id, joins the other tabs, starts the
// periodic flush and runs orphan detection.
func (c *Client) Init(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if uid, ok := c.store.Get(c.keys.UserID()); ok && uid != "" {
		if err := c.shared.Set(ctx, state.KeyUserID, uid); err != nil {
			return err
		}
	}
	if err := c.shared.Set(ctx, state.KeyConfig, c.cfg.Settings()); err != nil {
		return err
	}
	if c.coord != nil {
		if err := c.coord.Start(); err != nil {
			return err
		}
	}
	c.engine.Start()
	return c.tracker.Init(ctx)
}

// Identify sets the pseudonymous user id. An empty id keeps the current one
// or generates a new one. It returns the id in effect.
func (c *Client) Identify(ctx context.Context, userID string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if userID == "" {
		userID = c.shared.GetString(state.KeyUserID)
	}
	if userID == "" {
		userID = uuid.NewString()
	}
	if err := c.shared.Set(ctx, state.KeyUserID, userID); err != nil {
		return "", err
	}
	c.store.Set(c.keys.UserID(), userID)
	return userID, nil
}

// UserID returns the current user id.
func (c *Client) UserID() string { return c.shared.GetString(state.KeyUserID) }

// StartTracking enables the session lifecycle.
func (c *Client) StartTracking(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.tracker.StartTracking(ctx)
}

// StopTracking ends the session with manual_stop. Tracking can restart.
func (c *Client) StopTracking(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.tracker.StopTracking(ctx)
}

// Track records an event. Qualifying kinds count as activity and may start a
// session first.
func (c *Client) Track(ctx context.Context, kind domain.EventKind, name string, props map[string]any) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.tracker.Activity(ctx, kind); err != nil {
		return err
	}
	c.engine.Track(domain.Event{
		Kind:       kind,
		Name:       name,
		SessionID:  c.tracker.SessionID(),
		UserID:     c.shared.GetString(state.KeyUserID),
		PageURL:    c.shared.GetString(state.KeyPageURL),
		Timestamp:  domain.Millis(c.clock.Now()),
		Properties: props,
	})
	return nil
}

// PageView records navigation from one url to another.
func (c *Client) PageView(ctx context.Context, from, to string) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.shared.Set(ctx, state.KeyPageURL, to); err != nil {
		return err
	}
	if err := c.tracker.Activity(ctx, domain.EventPageView); err != nil {
		return err
	}
	c.engine.Track(domain.Event{
		Kind:      domain.EventPageView,
		SessionID: c.tracker.SessionID(),
		UserID:    c.shared.GetString(state.KeyUserID),
		PageURL:   to,
		FromURL:   from,
		Timestamp: domain.Millis(c.clock.Now()),
	})
	return nil
}

// Flush delivers everything queued.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.engine.Flush(ctx)
}

// Unload ends the session because the tab is going away.
func (c *Client) Unload(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.tracker.Unload(ctx)
}

// Destroy stops every timer and listener and releases the tab. Pending
// events are flushed first, then whatever could not be sent is persisted.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	err := c.tracker.Destroy(ctx)
	if flushErr := c.engine.Flush(ctx); flushErr != nil && !errors.Is(flushErr, delivery.ErrEngineClosed) {
		c.logger.Debug("final flush interrupted", zap.Error(flushErr))
	}
	if c.coord != nil {
		c.coord.Close()
	}
	if c.channel != nil {
		if closeErr := c.channel.Close(); closeErr != nil {
			c.logger.Debug("broadcast channel close failed", zap.Error(closeErr))
		}
	}
	c.engine.Close()
	c.shared.Close()
	if c.ownsStore {
		if closeErr := c.store.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	return nil
}

// TabID returns the tab id.
func (c *Client) TabID() string { return c.tabID }

// SessionID returns the active session id, or "".
func (c *Client) SessionID() string { return c.tracker.SessionID() }

// SessionState returns the lifecycle state.
func (c *Client) SessionState() session.State { return c.tracker.State() }

// IsLeader reports whether this tab leads. A tab without coordination always
// leads.
func (c *Client) IsLeader() bool {
	if c.coord == nil {
		return true
	}
	return c.coord.IsLeader()
}

// CoordinatorState returns the coordination state, or StateDisabled when
// coordination is off.
func (c *Client) CoordinatorState() crosstab.State {
	if c.coord == nil {
		return crosstab.StateDisabled
	}
	return c.coord.State()
}

// Reconcile runs one reconciliation pass immediately.
func (c *Client) Reconcile() {
	if c.coord != nil {
		c.coord.Reconcile()
	}
}

// Check runs the session inactivity and max duration rules immediately.
func (c *Client) Check(ctx context.Context) { c.tracker.Check(ctx) }

// Store returns the persistent store.
func (c *Client) Store() *storage.Store { return c.store }

// Keys returns the store key layout.
func (c *Client) Keys() storage.Keys { return c.keys }

// Engine returns the delivery engine.
func (c *Client) Engine() *delivery.Engine { return c.engine }

// Hub returns the in-process hub other tabs can join, or nil.
func (c *Client) Hub() *crosstab.Hub { return c.hub }
