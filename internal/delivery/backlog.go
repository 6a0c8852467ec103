package delivery

import (
	"sort"

	"github.com/samber/lo"

	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/storage"
)

// DefaultMaxBacklog caps the events kept per backlog key.
const DefaultMaxBacklog = 500

// BacklogEntry describes one persisted backlog.
type BacklogEntry struct {
	Key         string `json:"key"`
	Integration string `json:"integration"`
	UserID      string `json:"userId"`
	Events      int    `json:"events"`
	Timestamp   int64  `json:"timestamp"`
}

// Backlog reads and writes undelivered batches.
type Backlog struct {
	store *storage.Store
	keys  storage.Keys
	max   int
}

// NewBacklog creates a backlog view over store. max <= 0 uses
// DefaultMaxBacklog.
func NewBacklog(store *storage.Store, keys storage.Keys, max int) *Backlog {
	if max <= 0 {
		max = DefaultMaxBacklog
	}
	return &Backlog{store: store, keys: keys, max: max}
}

// Load returns the persisted events for integration and user.
func (b *Backlog) Load(integration, userID string) []domain.Event {
	var batch domain.DeliveryBatch
	if !b.store.GetJSON(b.keys.Backlog(integration, userID), &batch) {
		return nil
	}
	return batch.Events
}

// Save replaces the backlog with events, keeping only the newest ones past
// the cap. It returns how many events were dropped by the cap.
func (b *Backlog) Save(integration, userID string, events []domain.Event, timestamp int64) int {
	if len(events) == 0 {
		b.Clear(integration, userID)
		return 0
	}
	dropped := 0
	if len(events) > b.max {
		dropped = len(events) - b.max
		events = events[dropped:]
	}
	b.store.SetJSON(b.keys.Backlog(integration, userID), domain.DeliveryBatch{
		Events:    events,
		Timestamp: timestamp,
	})
	return dropped
}

// Clear removes the backlog for integration and user.
func (b *Backlog) Clear(integration, userID string) {
	b.store.Remove(b.keys.Backlog(integration, userID))
}

// List returns every persisted backlog, sorted by key.
func (b *Backlog) List() []BacklogEntry {
	var entries []BacklogEntry
	for _, key := range b.store.Keys(b.keys.BacklogPrefix()) {
		integration, userID, ok := b.keys.ParseBacklog(key)
		if !ok {
			continue
		}
		var batch domain.DeliveryBatch
		if !b.store.GetJSON(key, &batch) {
			continue
		}
		entries = append(entries, BacklogEntry{
			Key:         key,
			Integration: integration,
			UserID:      userID,
			Events:      len(batch.Events),
			Timestamp:   batch.Timestamp,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// ClearIntegration removes every backlog of integration, or all backlogs
// when integration is empty. It returns how many were removed.
func (b *Backlog) ClearIntegration(integration string) int {
	matching := lo.Filter(b.List(), func(e BacklogEntry, _ int) bool {
		return integration == "" || e.Integration == integration
	})
	for _, e := range matching {
		b.store.Remove(e.Key)
	}
	return len(matching)
}
