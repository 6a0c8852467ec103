// Package output writes tabtrail's observability signals as NDJSON, one
// self-describing object per line.
package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// SchemaVersion is stamped on every line.
const SchemaVersion = domain.SchemaVersion

// Ready is the first line of a run.
type Ready struct {
	Type          string   `json:"type"` // ready
	SchemaVersion int      `json:"schemaVersion"`
	Timestamp     string   `json:"timestamp"`
	RunID         string   `json:"run_id"`
	Tabs          int      `json:"tabs"`
	Integrations  []string `json:"integrations"`
	Store         string   `json:"store"`
}

// EventLine wraps one tracked event.
type EventLine struct {
	Type          string       `json:"type"` // event
	SchemaVersion int          `json:"schemaVersion"`
	TabID         string       `json:"tab_id,omitempty"`
	Event         domain.Event `json:"event"`
}

// QueueLine wraps a delivery queue signal.
type QueueLine struct {
	domain.QueueSignal
	TabID string `json:"tab_id,omitempty"`
}

// Leadership reports a change of cross-tab leadership.
type Leadership struct {
	Type          string `json:"type"` // leadership
	SchemaVersion int    `json:"schemaVersion"`
	TabID         string `json:"tab_id"`
	IsLeader      bool   `json:"is_leader"`
	State         string `json:"state"`
	Timestamp     int64  `json:"timestamp"`
}

// Heartbeat is written periodically during long runs.
type Heartbeat struct {
	Type            string `json:"type"` // heartbeat
	SchemaVersion   int    `json:"schemaVersion"`
	Timestamp       string `json:"timestamp"`
	RunID           string `json:"run_id"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	EventsSinceLast int    `json:"events_since_last"`
	Leaders         int    `json:"leaders"`
	Sessions        int    `json:"sessions"`
}

// Summary closes a run.
type Summary struct {
	Type          string         `json:"type"` // summary
	SchemaVersion int            `json:"schemaVersion"`
	RunID         string         `json:"run_id"`
	DurationMs    int64          `json:"duration_ms"`
	Events        int            `json:"events"`
	ByKind        map[string]int `json:"by_kind,omitempty"`
	Queue         map[string]int `json:"queue,omitempty"`
	Sessions      []string       `json:"sessions,omitempty"`
}

// ErrorLine is a machine-readable failure.
type ErrorLine struct {
	Type          string `json:"type"` // error
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// NDJSONWriter serializes lines to w. It is safe for concurrent use.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer over w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

// Write encodes v as one line.
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *NDJSONWriter) WriteReady(runID string, tabs int, integrations []string, store string) error {
	if integrations == nil {
		integrations = []string{}
	}
	return w.Write(&Ready{
		Type:          "ready",
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		RunID:         runID,
		Tabs:          tabs,
		Integrations:  integrations,
		Store:         store,
	})
}

func (w *NDJSONWriter) WriteEvent(tabID string, ev domain.Event) error {
	return w.Write(&EventLine{Type: "event", SchemaVersion: SchemaVersion, TabID: tabID, Event: ev})
}

func (w *NDJSONWriter) WriteQueue(tabID string, sig domain.QueueSignal) error {
	if sig.Type == "" {
		sig.Type = "queue"
	}
	if sig.SchemaVersion == 0 {
		sig.SchemaVersion = SchemaVersion
	}
	return w.Write(&QueueLine{QueueSignal: sig, TabID: tabID})
}

func (w *NDJSONWriter) WriteTransition(tr *domain.SessionTransition) error {
	return w.Write(tr)
}

func (w *NDJSONWriter) WriteLeadership(tabID string, isLeader bool, state string, now time.Time) error {
	return w.Write(&Leadership{
		Type:          "leadership",
		SchemaVersion: SchemaVersion,
		TabID:         tabID,
		IsLeader:      isLeader,
		State:         state,
		Timestamp:     domain.Millis(now),
	})
}

func (w *NDJSONWriter) WriteHeartbeat(hb *Heartbeat) error {
	hb.Type = "heartbeat"
	hb.SchemaVersion = SchemaVersion
	return w.Write(hb)
}

func (w *NDJSONWriter) WriteSummary(s *Summary) error {
	s.Type = "summary"
	s.SchemaVersion = SchemaVersion
	return w.Write(s)
}

// WriteError writes an error line. Only the first hint is kept.
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	line := &ErrorLine{Type: "error", SchemaVersion: SchemaVersion, Code: code, Message: message}
	if len(hint) > 0 {
		line.Hint = hint[0]
	}
	return w.Write(line)
}
