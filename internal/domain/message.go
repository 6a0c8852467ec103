package domain

import "time"

// MessageType identifies a cross-tab broadcast message.
type MessageType string

const (
	MsgHeartbeat        MessageType = "heartbeat"
	MsgSessionStart     MessageType = "session_start"
	MsgSessionEnd       MessageType = "session_end"
	MsgTabClosing       MessageType = "tab_closing"
	MsgElectionRequest  MessageType = "election_request"
	MsgElectionResponse MessageType = "election_response"
)

// Known reports whether the type is one this build understands. Unknown types
// come from newer builds and are ignored.
func (t MessageType) Known() bool {
	switch t {
	case MsgHeartbeat, MsgSessionStart, MsgSessionEnd, MsgTabClosing, MsgElectionRequest, MsgElectionResponse:
		return true
	}
	return false
}

// CrossTabMessage travels over the broadcast channel only; it is never
// persisted.
type CrossTabMessage struct {
	Type      MessageType    `json:"type"`
	TabID     string         `json:"tabId"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewMessage creates a message stamped with now.
func NewMessage(typ MessageType, tabID, sessionID string, now time.Time) CrossTabMessage {
	return CrossTabMessage{
		Type:      typ,
		TabID:     tabID,
		SessionID: sessionID,
		Timestamp: Millis(now),
	}
}

// Int64 reads a numeric data field. JSON transports decode numbers as
// float64, in-process transports keep the original type.
func (m CrossTabMessage) Int64(key string) (int64, bool) {
	v, ok := m.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Bool reads a boolean data field.
func (m CrossTabMessage) Bool(key string) bool {
	b, _ := m.Data[key].(bool)
	return b
}

// String reads a string data field.
func (m CrossTabMessage) String(key string) string {
	s, _ := m.Data[key].(string)
	return s
}
