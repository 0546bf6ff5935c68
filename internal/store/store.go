// ABOUTME: Command ledger types and the Ledger interface for tether-hub persistence
// ABOUTME: Records every command sent to an agent and how it ended, for operator history

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCommand is returned when a request id is recorded twice
var ErrDuplicateCommand = errors.New("command already recorded")

// Command outcome values
const (
	OutcomePending  = "pending"
	OutcomeResolved = "resolved"
	OutcomeFailed   = "failed"
)

// CommandRecord is one command sent to an agent and its outcome
type CommandRecord struct {
	RequestID   string
	AgentID     string
	Shell       string
	Script      string
	Outcome     string // pending, resolved, failed
	Output      string // agent output when resolved
	Error       string // failure reason when failed
	SubmittedAt time.Time
	CompletedAt *time.Time
}

// Ledger persists command history. It is an audit trail only; in-flight
// request state is never restored from it.
type Ledger interface {
	RecordCommand(ctx context.Context, rec *CommandRecord) error
	CompleteCommand(ctx context.Context, requestID, outcome, output, errMsg string, at time.Time) error
	GetCommand(ctx context.Context, requestID string) (*CommandRecord, error)
	ListCommands(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error)
	Close() error
}
