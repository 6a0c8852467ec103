package filter

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// DedupeFilter collapses repeated identical events
type DedupeFilter struct {
	mu      sync.Mutex
	window  time.Duration // Time window for deduplication (0 = consecutive only)
	clock   clock.Clock
	seen    map[string]*dedupeEntry
	lastKey string
}

type dedupeEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewDedupeFilter creates a new deduplication filter
// window=0 means only collapse consecutive identical events
// window>0 means collapse identical events within the time window
func NewDedupeFilter(window time.Duration, c clock.Clock) *DedupeFilter {
	if c == nil {
		c = clock.New()
	}
	return &DedupeFilter{
		window: window,
		clock:  c,
		seen:   make(map[string]*dedupeEntry),
	}
}

// DedupeResult holds the result of a dedupe check
type DedupeResult struct {
	ShouldEmit bool      // Whether this event should be emitted
	Count      int       // Number of duplicates (1 = first occurrence)
	FirstSeen  time.Time // First occurrence timestamp
	LastSeen   time.Time // Last occurrence timestamp (same as FirstSeen if count=1)
}

// dedupeKey identifies "the same" event. Session boundaries are never
// collapsed.
func dedupeKey(ev *domain.Event) (string, bool) {
	switch ev.Kind {
	case domain.EventSessionStart, domain.EventSessionEnd:
		return "", false
	}
	return strings.Join([]string{string(ev.Kind), ev.Name, ev.SessionID, ev.PageURL}, "\x00"), true
}

// Check determines if an event should be emitted or suppressed
func (f *DedupeFilter) Check(ev *domain.Event) DedupeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	key, ok := dedupeKey(ev)
	if !ok {
		return DedupeResult{ShouldEmit: true, Count: 1, FirstSeen: now, LastSeen: now}
	}

	if f.window > 0 {
		f.cleanOldEntries(now)
	}

	if existing, ok := f.seen[key]; ok {
		// In window mode every repeat inside the window is dropped, otherwise
		// only a repeat of the previous event.
		if f.window > 0 || f.lastKey == key {
			existing.count++
			existing.lastSeen = now
			return DedupeResult{
				ShouldEmit: false,
				Count:      existing.count,
				FirstSeen:  existing.firstSeen,
				LastSeen:   existing.lastSeen,
			}
		}
	}

	if f.window == 0 {
		// Consecutive mode only needs the previous key.
		f.seen = map[string]*dedupeEntry{}
	}
	f.seen[key] = &dedupeEntry{
		count:     1,
		firstSeen: now,
		lastSeen:  now,
	}
	f.lastKey = key

	return DedupeResult{
		ShouldEmit: true,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// Suppressed returns how many events were dropped so far, per key still in
// the window.
func (f *DedupeFilter) Suppressed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, entry := range f.seen {
		total += entry.count - 1
	}
	return total
}

// Reset clears the deduplication state
func (f *DedupeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*dedupeEntry)
	f.lastKey = ""
}

// cleanOldEntries removes entries outside the time window
func (f *DedupeFilter) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, entry := range f.seen {
		if entry.lastSeen.Before(cutoff) {
			delete(f.seen, key)
		}
	}
}
