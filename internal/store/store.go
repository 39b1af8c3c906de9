// Package store persists the session and call journal.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/simproxy/internal/model"
)

// Store errors.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats holds aggregate journal statistics.
type Stats struct {
	TotalSessions     int            `json:"total_sessions"`
	SessionsByStatus  map[string]int `json:"sessions_by_status"`
	TotalCalls        int            `json:"total_calls"`
	CallsByStatus     map[string]int `json:"calls_by_status"`
	CallsByOp         map[string]int `json:"calls_by_op"`
	AvgCallDurationMS float64        `json:"avg_call_duration_ms"`
}

// SessionUpdate carries the fields changed together with a status change.
// Empty fields are left as they are.
type SessionUpdate struct {
	Status  string
	Address string
	Error   string

	// Launched increments the launch counter.
	Launched bool
}

// Store defines the journal operations.
type Store interface {
	CreateSession(ctx context.Context, s *model.SessionRecord) error
	GetSession(ctx context.Context, id string) (*model.SessionRecord, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.SessionRecord, int, error)
	UpdateSession(ctx context.Context, id string, u SessionUpdate) error
	RecordCall(ctx context.Context, c *model.CallRecord) error
	ListCalls(ctx context.Context, sessionID string, limit, offset int) ([]*model.CallRecord, int, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
