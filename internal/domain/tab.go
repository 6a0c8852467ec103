package domain

import "time"

// TabInfo is the per-tab lease record. The tab that wrote it owns it; any tab
// may delete it once it has gone stale.
type TabInfo struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	IsLeader      bool   `json:"isLeader"`
	SessionID     string `json:"sessionId"`
	StartTime     int64  `json:"startTime"`
	LastActivity  int64  `json:"lastActivity,omitempty"`
}

// Stale reports whether the lease expired relative to now.
func (t TabInfo) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(FromMillis(t.LastHeartbeat)) > timeout
}

// Precedes reports whether t wins a leadership conflict against other: the
// earlier starter wins, ties go to the lexicographically smaller id.
func (t TabInfo) Precedes(other TabInfo) bool {
	if t.StartTime != other.StartTime {
		return t.StartTime < other.StartTime
	}
	return t.ID < other.ID
}
