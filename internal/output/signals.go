package output

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// Counters aggregates the signals seen by one or more Signals observers.
type Counters struct {
	mu       sync.Mutex
	events   []domain.Event
	queue    map[domain.QueueStatus]int
	sinceHB  int
	sessions map[string]struct{}
}

// NewCounters creates empty counters.
func NewCounters() *Counters {
	return &Counters{queue: map[domain.QueueStatus]int{}, sessions: map[string]struct{}{}}
}

func (c *Counters) addEvent(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.sinceHB++
	if ev.SessionID != "" {
		c.sessions[ev.SessionID] = struct{}{}
	}
}

func (c *Counters) addQueue(sig domain.QueueSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue[sig.Status]++
}

// TakeSinceHeartbeat returns the events counted since the previous call.
func (c *Counters) TakeSinceHeartbeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sinceHB
	c.sinceHB = 0
	return n
}

// Summary fills a run summary from the counters.
func (c *Counters) Summary(runID string, durationMs int64) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind := lo.CountValuesBy(c.events, func(ev domain.Event) string { return string(ev.Kind) })
	queue := lo.MapKeys(c.queue, func(_ int, status domain.QueueStatus) string { return string(status) })
	sessions := lo.Keys(c.sessions)
	sort.Strings(sessions)
	return &Summary{
		RunID:      runID,
		DurationMs: durationMs,
		Events:     len(c.events),
		ByKind:     byKind,
		Queue:      queue,
		Sessions:   sessions,
	}
}

// Signals writes a tab's delivery signals and counts them. It satisfies the
// delivery engine's observer interface.
type Signals struct {
	w        *NDJSONWriter
	tabID    string
	counters *Counters
}

// NewSignals creates an observer for tabID. A nil writer only counts.
func NewSignals(w *NDJSONWriter, tabID string, counters *Counters) *Signals {
	if counters == nil {
		counters = NewCounters()
	}
	return &Signals{w: w, tabID: tabID, counters: counters}
}

func (s *Signals) OnEvent(ev domain.Event) {
	s.counters.addEvent(ev)
	if s.w != nil {
		_ = s.w.WriteEvent(s.tabID, ev)
	}
}

func (s *Signals) OnQueue(sig domain.QueueSignal) {
	s.counters.addQueue(sig)
	if s.w != nil {
		_ = s.w.WriteQueue(s.tabID, sig)
	}
}

// OnTransition writes a lifecycle transition when verbose output is on.
func (s *Signals) OnTransition(tr *domain.SessionTransition) {
	if s.w != nil {
		_ = s.w.WriteTransition(tr)
	}
}

// Counters returns the shared counters.
func (s *Signals) Counters() *Counters { return s.counters }
