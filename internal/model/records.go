package model

import "time"

// Session status constants, as recorded in the journal.
const (
	SessionActive = "active"
	SessionFailed = "failed"
	SessionClosed = "closed"
)

// Call status constants.
const (
	CallOK      = "ok"
	CallError   = "error"
	CallTimeout = "timeout"
)

// validTransitions maps each session status to the statuses it may move to.
// A failed session becomes active again when it is relaunched.
var validTransitions = map[string]map[string]bool{
	SessionActive: {
		SessionFailed: true,
		SessionClosed: true,
	},
	SessionFailed: {
		SessionActive: true,
		SessionClosed: true,
	},
}

// ValidTransition reports whether a session may move from one status to
// another.
func ValidTransition(from, to string) bool {
	return validTransitions[from][to]
}

// SessionRecord is the journal entry for one proxy session.
type SessionRecord struct {
	ID        string     `json:"id"`
	Host      string     `json:"host"`
	Engine    string     `json:"engine"`
	Address   string     `json:"address,omitempty"`
	Status    string     `json:"status"`
	Launches  int        `json:"launches"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// CallRecord is the journal entry for one forwarded operation.
type CallRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	CallID     uint64    `json:"call_id"`
	Op         string    `json:"op"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
