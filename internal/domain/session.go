package domain

import "time"

// EndTrigger records why a session ended.
type EndTrigger string

const (
	EndInactivity      EndTrigger = "inactivity"
	EndPageUnload      EndTrigger = "page_unload"
	EndManualStop      EndTrigger = "manual_stop"
	EndOrphanedCleanup EndTrigger = "orphaned_cleanup"
	EndTabClosed       EndTrigger = "tab_closed"
	EndTimeout         EndTrigger = "timeout"
)

// Valid reports whether t is one of the known triggers.
func (t EndTrigger) Valid() bool {
	switch t {
	case EndInactivity, EndPageUnload, EndManualStop, EndOrphanedCleanup, EndTabClosed, EndTimeout:
		return true
	}
	return false
}

// Session is the persisted session record. Tabs from other builds read it to
// decide whether a session is still alive, so field names are part of the
// stable wire schema.
type Session struct {
	SchemaVersion int        `json:"schemaVersion"`
	SessionID     string     `json:"sessionId"`
	StartTime     int64      `json:"startTime"`
	LastActivity  int64      `json:"lastActivity"`
	LastHeartbeat int64      `json:"lastHeartbeat"`
	EndTrigger    EndTrigger `json:"endTrigger,omitempty"`
}

// NewSession creates a session record starting at now.
func NewSession(id string, now time.Time) *Session {
	ms := Millis(now)
	return &Session{
		SchemaVersion: SchemaVersion,
		SessionID:     id,
		StartTime:     ms,
		LastActivity:  ms,
		LastHeartbeat: ms,
	}
}

// Valid reports whether the record carries the fields every reader relies on.
func (s *Session) Valid() bool {
	return s != nil && s.SessionID != "" && s.StartTime > 0 && s.SchemaVersion <= SchemaVersion
}

// Ended reports whether a clean end was recorded.
func (s *Session) Ended() bool {
	return s != nil && s.EndTrigger != ""
}

// HeartbeatAge returns how long ago the last heartbeat was written.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	last := s.LastHeartbeat
	if last == 0 {
		last = s.StartTime
	}
	return now.Sub(FromMillis(last))
}

// Duration returns the elapsed time between start and last activity.
func (s *Session) Duration() time.Duration {
	if s.LastActivity < s.StartTime {
		return 0
	}
	return time.Duration(s.LastActivity-s.StartTime) * time.Millisecond
}

// SessionTransition is an optional verbose record describing a lifecycle
// state change.
type SessionTransition struct {
	Type          string `json:"type"` // session_debug
	SchemaVersion int    `json:"schemaVersion"`
	TabID         string `json:"tab_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	From          string `json:"from"`
	To            string `json:"to"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// NewSessionTransition creates a SessionTransition record.
func NewSessionTransition(tabID, sessionID, from, to, reason string, now time.Time) *SessionTransition {
	return &SessionTransition{
		Type:          "session_debug",
		SchemaVersion: SchemaVersion,
		TabID:         tabID,
		SessionID:     sessionID,
		From:          from,
		To:            to,
		Reason:        reason,
		Timestamp:     Millis(now),
	}
}
