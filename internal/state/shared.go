// Package state holds the fields shared by every component of one tab and
// serializes all writes to them through a single FIFO queue.
package state

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Well-known keys.
const (
	KeyConfig    = "config"
	KeySessionID = "sessionId"
	KeyPageURL   = "pageUrl"
	KeyUserID    = "userId"
)

// ErrClosed is returned for updates enqueued after, or still pending at, Close.
var ErrClosed = errors.New("shared state closed")

// Snapshot is a consistent copy of the state at one version.
type Snapshot struct {
	Version uint64
	Values  map[string]any
}

// String returns the string stored under key, or "".
func (s Snapshot) String(key string) string {
	v, _ := s.Values[key].(string)
	return v
}

type update struct {
	fields map[string]any
	result chan error
}

// SharedState is a small key/value map. Reads take a read lock and are always
// consistent. Writes are queued and applied one at a time by a single consumer
// goroutine, in the order they were enqueued.
type SharedState struct {
	mu      sync.RWMutex
	values  map[string]any
	version uint64

	qmu      sync.Mutex
	queue    []*update
	isClosed bool

	listenerMu sync.Mutex
	listeners  map[int]func(Snapshot)
	nextID     int

	wake      chan struct{}
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// New creates a SharedState and starts its consumer.
func New(logger *zap.Logger) *SharedState {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SharedState{
		values:    make(map[string]any),
		listeners: make(map[int]func(Snapshot)),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go s.run()
	return s
}

// Get returns the value under key.
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the string under key, or "".
func (s *SharedState) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Snapshot copies the whole state.
func (s *SharedState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *SharedState) snapshotLocked() Snapshot {
	values := make(map[string]any, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return Snapshot{Version: s.version, Values: values}
}

// Version is the number of updates applied so far.
func (s *SharedState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Set writes a single field and waits for it to be applied.
func (s *SharedState) Set(ctx context.Context, key string, value any) error {
	return s.Update(ctx, map[string]any{key: value})
}

// Update applies fields atomically and waits for it. A nil value deletes the
// field. If ctx ends first the update stays queued and still applies.
func (s *SharedState) Update(ctx context.Context, fields map[string]any) error {
	result := s.Enqueue(fields)
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues fields without waiting. The returned channel receives exactly
// one value once the update is applied or rejected.
func (s *SharedState) Enqueue(fields map[string]any) <-chan error {
	u := &update{
		fields: make(map[string]any, len(fields)),
		result: make(chan error, 1),
	}
	for k, v := range fields {
		u.fields[k] = v
	}

	s.qmu.Lock()
	if s.isClosed {
		s.qmu.Unlock()
		u.result <- ErrClosed
		return u.result
	}
	s.queue = append(s.queue, u)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return u.result
}

// Subscribe registers fn to run on the consumer goroutine after every applied
// update. fn must not call Update or Set and wait on the result.
func (s *SharedState) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// Close stops the consumer. Updates still queued fail with ErrClosed.
func (s *SharedState) Close() {
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.isClosed = true
		s.qmu.Unlock()
		close(s.closed)
	})
	<-s.done
}

func (s *SharedState) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closed:
			s.failPending()
			return
		case <-s.wake:
		}
		for {
			u := s.next()
			if u == nil {
				break
			}
			s.apply(u)
		}
	}
}

// next pops the oldest update, or returns nil when the queue is empty or the
// state is closing.
func (s *SharedState) next() *update {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.isClosed || len(s.queue) == 0 {
		return nil
	}
	u := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return u
}

func (s *SharedState) apply(u *update) {
	s.mu.Lock()
	for k, v := range u.fields {
		if v == nil {
			delete(s.values, k)
			continue
		}
		s.values[k] = v
	}
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	u.result <- nil
	s.notify(snap)
}

func (s *SharedState) notify(snap Snapshot) {
	s.listenerMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *SharedState) failPending() {
	s.qmu.Lock()
	pending := s.queue
	s.queue = nil
	s.qmu.Unlock()
	if len(pending) > 0 {
		s.logger.Debug("shared state closed with pending updates", zap.Int("pending", len(pending)))
	}
	for _, u := range pending {
		u.result <- ErrClosed
	}
}
