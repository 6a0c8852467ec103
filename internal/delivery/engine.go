package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/filter"
	"github.com/vburojevic/tabtrail/internal/sampling"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// ErrEngineClosed is returned by Flush once Close has been called.
var ErrEngineClosed = errors.New("delivery engine closed")

// Config holds the delivery settings.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
	MaxBacklog     int
	// PersistPermanent keeps batches that failed permanently instead of
	// dropping them.
	PersistPermanent bool
	// DedupeWindow collapses identical events inside the window. Zero
	// disables deduplication.
	DedupeWindow time.Duration
}

// DefaultConfig returns the default delivery settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:      20,
		FlushInterval:  5 * time.Second,
		RetryBaseDelay: 100 * time.Millisecond,
		MaxRetries:     2,
		MaxBacklog:     DefaultMaxBacklog,
	}
}

// Route binds an integration to the events it receives. A nil Filter
// receives everything.
type Route struct {
	Integration Integration
	Filter      *filter.Pipeline
}

// Observer receives the delivery signals.
type Observer interface {
	OnEvent(ev domain.Event)
	OnQueue(sig domain.QueueSignal)
}

type nopObserver struct{}

func (nopObserver) OnEvent(domain.Event)       {}
func (nopObserver) OnQueue(domain.QueueSignal) {}

// queue is the per-integration state. sendMu keeps one transmission in
// flight per integration.
type queue struct {
	route  Route
	name   string
	sendMu sync.Mutex

	mu      sync.Mutex
	pending []domain.Event
	retry   RetryState
}

// Engine routes tracked events to per-integration queues and delivers them.
// A failing integration never delays another.
type Engine struct {
	cfg      Config
	store    *storage.Store
	keys     storage.Keys
	backlog  *Backlog
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	sampler  *sampling.Engine
	dedupe   *filter.DedupeFilter
	userID   func() string
	jitter   func(time.Duration) time.Duration
	queues   []*queue

	closed    chan struct{}
	closeOnce sync.Once
	started   bool
	startMu   sync.Mutex
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithKeys(k storage.Keys) Option { return func(e *Engine) { e.keys = k } }
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }
func WithSampler(s *sampling.Engine) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithUserID supplies the current user id, whose backlog is retried on every
// flush even when nothing new was tracked.
func WithUserID(fn func() string) Option { return func(e *Engine) { e.userID = fn } }

// WithJitter replaces the random backoff jitter.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(e *Engine) { e.jitter = fn }
}

// NewEngine creates an engine delivering to routes.
func NewEngine(store *storage.Store, routes []Route, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		store:    store,
		keys:     storage.NewKeys(""),
		clock:    clock.New(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		userID:   func() string { return "" },
		jitter:   uniformJitter,
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	d := DefaultConfig()
	if e.cfg.BatchSize <= 0 {
		e.cfg.BatchSize = d.BatchSize
	}
	if e.cfg.FlushInterval <= 0 {
		e.cfg.FlushInterval = d.FlushInterval
	}
	if e.cfg.RetryBaseDelay <= 0 {
		e.cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if e.cfg.MaxRetries < 0 {
		e.cfg.MaxRetries = 0
	}
	if e.cfg.DedupeWindow > 0 {
		e.dedupe = filter.NewDedupeFilter(e.cfg.DedupeWindow, e.clock)
	}
	e.backlog = NewBacklog(store, e.keys, e.cfg.MaxBacklog)
	for _, r := range routes {
		e.queues = append(e.queues, &queue{route: r, name: r.Integration.Name()})
	}
	return e
}

// Integrations returns the configured integration names in order.
func (e *Engine) Integrations() []string {
	return lo.Map(e.queues, func(q *queue, _ int) string { return q.name })
}

// Backlog returns the engine's backlog view.
func (e *Engine) Backlog() *Backlog { return e.backlog }

// Start begins the periodic flush.
func (e *Engine) Start() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.periodicFlush()
}

func (e *Engine) periodicFlush() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			if err := e.Flush(context.Background()); err != nil && !errors.Is(err, ErrEngineClosed) {
				e.logger.Debug("periodic flush interrupted", zap.Error(err))
			}
		}
	}
}

// Track stamps ev and queues it for every integration whose route matches.
// Delivery problems are reported to the observer, never returned.
func (e *Engine) Track(ev domain.Event) {
	select {
	case <-e.closed:
		e.logger.Debug("event tracked after close", zap.String("type", string(ev.Kind)))
		return
	default:
	}
	if e.sampler != nil && !e.sampler.Allow(string(ev.Kind), ev.UserID) {
		return
	}
	now := e.clock.Now()
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.Millis(now)
	}
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if e.dedupe != nil && !e.dedupe.Check(&ev).ShouldEmit {
		return
	}
	e.observer.OnEvent(ev)

	for _, q := range e.queues {
		if !q.route.Filter.Match(&ev) {
			continue
		}
		q.mu.Lock()
		q.pending = append(q.pending, ev)
		full := len(q.pending) >= e.cfg.BatchSize
		q.mu.Unlock()
		if full {
			e.wg.Add(1)
			go func(q *queue) {
				defer e.wg.Done()
				_ = e.flushQueue(context.Background(), q)
			}(q)
		}
	}
}

// Flush delivers everything queued, plus persisted backlogs, to every
// integration concurrently and waits for the outcome. It returns an error
// only when ctx ends or the engine closes.
func (e *Engine) Flush(ctx context.Context) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range e.queues {
		g.Go(func() error {
			return e.flushQueue(gctx, q)
		})
	}
	return g.Wait()
}

// Pending returns the number of queued events per integration.
func (e *Engine) Pending() map[string]int {
	out := make(map[string]int, len(e.queues))
	for _, q := range e.queues {
		q.mu.Lock()
		out[q.name] = len(q.pending)
		q.mu.Unlock()
	}
	return out
}

// RetryState returns the retry progress of integration.
func (e *Engine) RetryState(integration string) RetryState {
	q, ok := lo.Find(e.queues, func(q *queue) bool { return q.name == integration })
	if !ok {
		return RetryState{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retry
}

func (e *Engine) flushQueue(ctx context.Context, q *queue) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	events := q.pending
	q.pending = nil
	q.mu.Unlock()

	byUser := lo.GroupBy(events, func(ev domain.Event) string { return ev.UserID })
	if current := e.userID(); current != "" {
		if _, ok := byUser[current]; !ok {
			byUser[current] = nil
		}
	}
	users := lo.Keys(byUser)
	sort.Strings(users)

	for i, user := range users {
		if err := e.deliver(ctx, q, user, byUser[user]); err != nil {
			// Keep whatever was not attempted yet.
			for _, rest := range users[i+1:] {
				e.persist(q, rest, byUser[rest])
			}
			return err
		}
	}
	return nil
}

// deliver sends the backlog of user followed by events. It returns an error
// only when the wait between retries was interrupted.
func (e *Engine) deliver(ctx context.Context, q *queue, user string, events []domain.Event) error {
	backlog := e.backlog.Load(q.name, user)
	if len(backlog) == 0 && len(events) == 0 {
		return nil
	}
	batch := domain.DeliveryBatch{
		Events:    append(append([]domain.Event(nil), backlog...), events...),
		Timestamp: domain.Millis(e.clock.Now()),
	}
	log := e.logger.With(zap.String("integration", q.name), zap.Int("events", len(batch.Events)))

	attempts, err := e.send(ctx, q, batch)
	switch {
	case err == nil:
		if len(backlog) > 0 {
			e.backlog.Clear(q.name, user)
		}
		log.Debug("batch delivered", zap.Int("attempts", attempts))
		e.signal(q.name, domain.QueueFlushed, len(batch.Events), attempts, nil)
		return nil

	case ctx.Err() != nil || e.isClosed():
		log.Debug("delivery interrupted, persisting batch", zap.Error(err))
		e.persistBatch(q.name, user, batch, 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrEngineClosed

	case IsPermanent(err):
		e.signal(q.name, domain.QueueFailed, len(batch.Events), attempts, err)
		if e.cfg.PersistPermanent {
			log.Warn("batch rejected, persisting", zap.Error(err))
			e.persistBatch(q.name, user, batch, attempts)
			return nil
		}
		log.Warn("batch rejected, dropping", zap.Error(err))
		e.backlog.Clear(q.name, user)
		e.signal(q.name, domain.QueueDropped, len(batch.Events), attempts, nil)
		return nil

	default:
		log.Warn("batch delivery failed after retries, persisting", zap.Int("attempts", attempts), zap.Error(err))
		e.signal(q.name, domain.QueueFailed, len(batch.Events), attempts, err)
		e.persistBatch(q.name, user, batch, attempts)
		return nil
	}
}

// send transmits batch, retrying transient failures up to MaxRetries times.
func (e *Engine) send(ctx context.Context, q *queue, batch domain.DeliveryBatch) (int, error) {
	defer func() {
		q.mu.Lock()
		q.retry = RetryState{}
		q.mu.Unlock()
	}()
	for attempt := 1; ; attempt++ {
		err := q.route.Integration.Send(ctx, batch)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || attempt > e.cfg.MaxRetries {
			return attempt, err
		}
		delay := RetryDelay(e.cfg.RetryBaseDelay, attempt, e.jitter)
		q.mu.Lock()
		q.retry = RetryState{Attempt: attempt, NextDelay: delay}
		q.mu.Unlock()
		e.logger.Debug("transient delivery failure, retrying",
			zap.String("integration", q.name), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
		if waitErr := e.sleep(ctx, delay); waitErr != nil {
			return attempt, waitErr
		}
	}
}

func (e *Engine) sleep(ctx context.Context, delay time.Duration) error {
	timer := e.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrEngineClosed
	case <-timer.C:
		return nil
	}
}

func (e *Engine) persist(q *queue, user string, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	backlog := e.backlog.Load(q.name, user)
	e.persistBatch(q.name, user, domain.DeliveryBatch{
		Events:    append(backlog, events...),
		Timestamp: domain.Millis(e.clock.Now()),
	}, 0)
}

// persistBatch writes batch as the new backlog. A persisted signal is emitted
// when attempts is positive.
func (e *Engine) persistBatch(integration, user string, batch domain.DeliveryBatch, attempts int) {
	dropped := e.backlog.Save(integration, user, batch.Events, batch.Timestamp)
	if dropped > 0 {
		e.logger.Warn("backlog full, dropped oldest events",
			zap.String("integration", integration), zap.Int("dropped", dropped))
	}
	if attempts > 0 {
		e.signal(integration, domain.QueuePersisted, len(batch.Events)-dropped, attempts, nil)
	}
}

func (e *Engine) signal(integration string, status domain.QueueStatus, events, attempts int, err error) {
	sig := domain.QueueSignal{
		Type:          "queue",
		SchemaVersion: domain.SchemaVersion,
		Integration:   integration,
		Status:        status,
		Events:        events,
		Attempts:      attempts,
		Timestamp:     domain.Millis(e.clock.Now()),
	}
	if err != nil {
		sig.Error = err.Error()
	}
	e.observer.OnQueue(sig)
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close cancels every retry wait, waits for in-flight transmissions and
// persists whatever is still queued.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()
		for _, q := range e.queues {
			q.sendMu.Lock()
			q.mu.Lock()
			events := q.pending
			q.pending = nil
			q.mu.Unlock()
			for user, group := range lo.GroupBy(events, func(ev domain.Event) string { return ev.UserID }) {
				e.persist(q, user, group)
			}
			q.sendMu.Unlock()
		}
		e.logger.Debug("delivery engine closed")
	})
}
