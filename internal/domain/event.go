package domain

// EventKind is the type of a tracked event.
type EventKind string

const (
	EventPageView     EventKind = "page_view"
	EventClick        EventKind = "click"
	EventScroll       EventKind = "scroll"
	EventCustom       EventKind = "custom"
	EventSessionStart EventKind = "session_start"
	EventSessionEnd   EventKind = "session_end"
	EventWebVitals    EventKind = "web_vitals"
	EventError        EventKind = "error"
)

// Qualifying reports whether the kind counts as user activity that can start
// or extend a session.
func (k EventKind) Qualifying() bool {
	switch k {
	case EventPageView, EventClick, EventScroll, EventCustom:
		return true
	}
	return false
}

// Event is a single tracked event handed to the delivery engine.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"type"`
	Name       string         `json:"name,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	PageURL    string         `json:"pageUrl,omitempty"`
	FromURL    string         `json:"fromUrl,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
	Trigger    EndTrigger     `json:"trigger,omitempty"`
	Recovered  bool           `json:"recovered,omitempty"`
}

// DeliveryBatch is what an integration sends, and what is persisted once all
// retries for it are exhausted.
type DeliveryBatch struct {
	Events    []Event `json:"events"`
	Timestamp int64   `json:"timestamp"`
}

// QueueStatus describes the outcome reported by a queue signal.
type QueueStatus string

const (
	QueueFlushed   QueueStatus = "flushed"
	QueueFailed    QueueStatus = "failed"
	QueuePersisted QueueStatus = "persisted"
	QueueDropped   QueueStatus = "dropped"
)

// QueueSignal is emitted when a batch transmission is flushed or fails.
type QueueSignal struct {
	Type          string      `json:"type"` // "queue"
	SchemaVersion int         `json:"schemaVersion"`
	Integration   string      `json:"integration"`
	Status        QueueStatus `json:"status"`
	Events        int         `json:"events"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}
