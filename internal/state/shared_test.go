package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	s := New(nil)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), KeySessionID, "abc"))
	assert.Equal(t, "abc", s.GetString(KeySessionID))
	assert.Equal(t, uint64(1), s.Version())

	require.NoError(t, s.Set(context.Background(), KeySessionID, nil))
	_, ok := s.Get(KeySessionID)
	assert.False(t, ok, "nil deletes the field")
	assert.Equal(t, uint64(2), s.Version())
}

func TestUpdatesApplyInEnqueueOrder(t *testing.T) {
	s := New(nil)
	defer s.Close()

	var seen []int
	var mu sync.Mutex
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Values["n"].(int))
		mu.Unlock()
	})
	defer unsubscribe()

	var results []<-chan error
	for i := 0; i < 200; i++ {
		results = append(results, s.Enqueue(map[string]any{"n": i}))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 200)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
	assert.Equal(t, uint64(200), s.Version())
}

func TestReadersNeverSeePartialUpdates(t *testing.T) {
	s := New(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Update(ctx, map[string]any{"a": w*1000 + i, "b": w*1000 + i})
			}
		}(w)
	}

	mismatches := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		snap := s.Snapshot()
		if snap.Values["a"] != snap.Values["b"] {
			mismatches++
		}
		select {
		case <-done:
			cancel()
			assert.Zero(t, mismatches)
			assert.Equal(t, uint64(400), s.Version())
			return
		default:
		}
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	s := New(nil)
	s.Close()
	s.Close()

	err := <-s.Enqueue(map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "x", 1), ErrClosed)
}

func TestUpdateRespectsContext(t *testing.T) {
	s := New(nil)
	defer s.Close()

	// Block the consumer inside a listener so the next update stays queued.
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s.Subscribe(func(Snapshot) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	s.Enqueue(map[string]any{"first": true})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Set(ctx, "second", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		_, ok := s.Get("second")
		return ok
	}, time.Second, 5*time.Millisecond, "queued update still applies")
}

func TestCloseFailsPendingUpdates(t *testing.T) {
	s := New(nil)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s.Subscribe(func(Snapshot) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	s.Enqueue(map[string]any{"first": true})
	<-entered
	pending := s.Enqueue(map[string]any{"second": true})

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		return isClosing(s)
	}, time.Second, time.Millisecond)
	close(release)
	<-closed

	assert.ErrorIs(t, <-pending, ErrClosed)
	_, ok := s.Get("second")
	assert.False(t, ok)
}

func isClosing(s *SharedState) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.isClosed
}
