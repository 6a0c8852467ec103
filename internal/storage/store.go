package storage

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultCleanupAge is the age past which namespaced records are deleted by
// the quota cleanup pass.
const DefaultCleanupAge = 24 * time.Hour

// timestampFields are the JSON fields the cleanup pass reads to age a record.
var timestampFields = []string{"timestamp", "lastHeartbeat", "lastActivity"}

// Store is the persistent key/value store used by every component. It never
// returns backend errors: the first failure switches it to an in-memory map
// for the rest of the process.
type Store struct {
	mu         sync.Mutex
	backend    Backend
	memory     *MemoryBackend
	degraded   bool
	keys       Keys
	clock      clock.Clock
	logger     *zap.Logger
	cleanupAge time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to age records during cleanup.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeys sets the key layout whose prefix bounds the cleanup pass.
func WithKeys(k Keys) Option {
	return func(s *Store) { s.keys = k }
}

// WithCleanupAge overrides DefaultCleanupAge.
func WithCleanupAge(d time.Duration) Option {
	return func(s *Store) { s.cleanupAge = d }
}

// NewStore wraps backend. A nil backend starts out on the in-memory map.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		memory:     NewMemoryBackend(0),
		keys:       NewKeys(""),
		clock:      clock.New(),
		logger:     zap.NewNop(),
		cleanupAge: DefaultCleanupAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	if backend == nil {
		s.degraded = true
	}
	return s
}

// NewMemoryStore is a Store over an unlimited in-memory backend.
func NewMemoryStore(opts ...Option) *Store {
	return NewStore(NewMemoryBackend(0), opts...)
}

// Degraded reports whether the store has fallen back to memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Get returns the value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		v, ok, err := s.backend.Get(key)
		if err == nil {
			return v, ok
		}
		s.degradeLocked("get", err)
	}
	v, ok, _ := s.memory.Get(key)
	return v, ok
}

// Set writes value under key. On quota exhaustion it deletes old namespaced
// records and retries once before falling back to memory.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		err := s.backend.Set(key, value)
		if err == nil {
			return
		}
		if errors.Is(err, ErrQuotaExceeded) {
			removed := s.cleanupLocked()
			s.logger.Warn("storage quota exceeded, cleaned up old records",
				zap.String("key", key), zap.Int("removed", removed))
			if err = s.backend.Set(key, value); err == nil {
				return
			}
		}
		s.degradeLocked("set", err)
	}
	_ = s.memory.Set(key, value)
}

// Remove deletes key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		err := s.backend.Remove(key)
		if err == nil {
			return
		}
		s.degradeLocked("remove", err)
	}
	_ = s.memory.Remove(key)
}

// Keys lists the keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		keys, err := s.backend.Keys(prefix)
		if err == nil {
			return keys
		}
		s.degradeLocked("keys", err)
	}
	keys, _ := s.memory.Keys(prefix)
	return keys
}

// GetJSON decodes the value under key into v. A value that does not decode is
// deleted and reported as absent.
func (s *Store) GetJSON(key string, v any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.logger.Warn("discarding corrupted record", zap.String("key", key), zap.Error(err))
		s.Remove(key)
		return false
	}
	return true
}

// SetJSON encodes v and writes it under key.
func (s *Store) SetJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode record", zap.String("key", key), zap.Error(err))
		return
	}
	s.Set(key, string(data))
}

// Close closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) degradeLocked(op string, err error) {
	s.degraded = true
	s.logger.Warn("storage backend failed, using in-memory fallback",
		zap.String("op", op), zap.Error(err))
}

// cleanupLocked deletes namespaced records whose timestamp is older than the
// cleanup age. Records without a readable timestamp are kept.
func (s *Store) cleanupLocked() int {
	keys, err := s.backend.Keys(s.keys.Prefix())
	if err != nil {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.cleanupAge).UnixMilli()
	removed := 0
	for _, key := range keys {
		raw, ok, err := s.backend.Get(key)
		if err != nil || !ok {
			continue
		}
		ts, ok := recordTimestamp(raw)
		if !ok || ts >= cutoff {
			continue
		}
		if s.backend.Remove(key) == nil {
			removed++
		}
	}
	return removed
}

func recordTimestamp(raw string) (int64, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return 0, false
	}
	for _, name := range timestampFields {
		if n, ok := fields[name].(float64); ok && n > 0 {
			return int64(n), true
		}
	}
	return 0, false
}
