package domain

// SessionContext is the snapshot archived when an orphaned session is
// detected, read once by the next tab that starts tracking.
type SessionContext struct {
	SchemaVersion    int               `json:"schemaVersion"`
	SessionID        string            `json:"sessionId"`
	StartTime        int64             `json:"startTime"`
	LastActivity     int64             `json:"lastActivity"`
	TabCount         int               `json:"tabCount"`
	RecoveryAttempts int               `json:"recoveryAttempts"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RecoveryAttempt is one audit trail entry. The number of entries for a
// session bounds how often it may be recovered.
type RecoveryAttempt struct {
	SessionID string         `json:"sessionId"`
	Timestamp int64          `json:"timestamp"`
	Attempt   int            `json:"attempt"`
	Context   SessionContext `json:"context"`
}
