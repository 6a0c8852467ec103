// Package recovery archives the context of orphaned sessions so a later tab
// can resume them, and bounds how often any one session is resumed.
package recovery

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/storage"
)

const (
	DefaultMaxAttempts = 3
	DefaultWindow      = time.Hour
	// AttemptRetention is how long audit trail entries are kept.
	AttemptRetention = 24 * time.Hour
)

// storedContext is the persisted form of a SessionContext.
type storedContext struct {
	domain.SessionContext
	Timestamp int64 `json:"timestamp"`
}

// Store is the recovery store.
type Store struct {
	mu          sync.Mutex
	store       *storage.Store
	keys        storage.Keys
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
	window      time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option    { return func(s *Store) { s.clock = c } }
func WithLogger(l *zap.Logger) Option   { return func(s *Store) { s.logger = l } }
func WithMaxAttempts(n int) Option      { return func(s *Store) { s.maxAttempts = n } }
func WithWindow(d time.Duration) Option { return func(s *Store) { s.window = d } }
func WithKeys(k storage.Keys) Option    { return func(s *Store) { s.keys = k } }

// New creates a recovery store persisting through store.
func New(store *storage.Store, opts ...Option) *Store {
	s := &Store{
		store:       store,
		keys:        storage.NewKeys(""),
		clock:       clock.New(),
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	return s
}

// MaxAttempts returns the per-session recovery bound.
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

// StoreContext archives ctx for a later tab and appends an audit entry. It
// returns false without writing anything once the session has reached the
// attempt bound.
func (s *Store) StoreContext(ctx domain.SessionContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.loadAttempts()
	count := lo.CountBy(attempts, func(a domain.RecoveryAttempt) bool {
		return a.SessionID == ctx.SessionID
	})
	if count >= s.maxAttempts {
		s.logger.Info("recovery attempts exhausted",
			zap.String("session_id", ctx.SessionID), zap.Int("attempts", count))
		return false
	}

	now := s.clock.Now()
	ctx.SchemaVersion = domain.SchemaVersion
	ctx.RecoveryAttempts = count + 1
	attempts = append(attempts, domain.RecoveryAttempt{
		SessionID: ctx.SessionID,
		Timestamp: domain.Millis(now),
		Attempt:   count + 1,
		Context:   ctx,
	})
	s.store.SetJSON(s.keys.RecoveryAttempts(), attempts)
	s.store.SetJSON(s.keys.RecoveryContext(), storedContext{SessionContext: ctx, Timestamp: domain.Millis(now)})
	s.logger.Debug("archived session context",
		zap.String("session_id", ctx.SessionID), zap.Int("attempt", count+1))
	return true
}

// HasRecoverableSession reports whether a fresh archived context exists.
func (s *Store) HasRecoverableSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loadContext()
	return ok
}

// ConsumeContext returns the archived context and removes it, so each
// archive is resumed at most once. It returns nil when nothing recoverable
// is stored.
func (s *Store) ConsumeContext() *domain.SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.loadContext()
	s.store.Remove(s.keys.RecoveryContext())
	if !ok {
		return nil
	}
	ctx := stored.SessionContext
	return &ctx
}

// Attempts returns how many recovery attempts are recorded for sessionID.
func (s *Store) Attempts(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.CountBy(s.loadAttempts(), func(a domain.RecoveryAttempt) bool {
		return a.SessionID == sessionID
	})
}

// CleanupOldAttempts prunes audit entries past the retention period and
// returns how many were removed.
func (s *Store) CleanupOldAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.loadAttempts()
	cutoff := domain.Millis(s.clock.Now().Add(-AttemptRetention))
	kept := lo.Filter(attempts, func(a domain.RecoveryAttempt, _ int) bool {
		return a.Timestamp >= cutoff
	})
	removed := len(attempts) - len(kept)
	if removed == 0 {
		return 0
	}
	if len(kept) == 0 {
		s.store.Remove(s.keys.RecoveryAttempts())
	} else {
		s.store.SetJSON(s.keys.RecoveryAttempts(), kept)
	}
	return removed
}

func (s *Store) loadAttempts() []domain.RecoveryAttempt {
	var attempts []domain.RecoveryAttempt
	if !s.store.GetJSON(s.keys.RecoveryAttempts(), &attempts) {
		return nil
	}
	return attempts
}

// loadContext reads the archived context. Stale or unreadable archives are
// removed.
func (s *Store) loadContext() (storedContext, bool) {
	var stored storedContext
	if !s.store.GetJSON(s.keys.RecoveryContext(), &stored) {
		return storedContext{}, false
	}
	if stored.SessionID == "" || stored.SchemaVersion > domain.SchemaVersion {
		s.store.Remove(s.keys.RecoveryContext())
		return storedContext{}, false
	}
	age := s.clock.Now().Sub(domain.FromMillis(stored.Timestamp))
	if age > s.window {
		s.logger.Debug("archived session context expired",
			zap.String("session_id", stored.SessionID), zap.Duration("age", age))
		s.store.Remove(s.keys.RecoveryContext())
		return storedContext{}, false
	}
	return stored, true
}
