package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("operation record not found")

// Kind names the remote operation being tracked.
type Kind string

// Supported operation kinds.
const (
	KindFetch Kind = "fetch"
	KindPush  Kind = "push"
)

// Status mirrors the operations.status column.
type Status string

// Operation statuses persisted in operations.status.
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusClosed    Status = "closed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// OperationRecord models one tracked fetch or push.
type OperationRecord struct {
	// ID is the operation identifier (UUIDv7).
	ID uuid.UUID
	// Kind is fetch or push.
	Kind Kind
	// Remote is the remote name or URL the transfer targets.
	Remote string
	// StartedAt is when the relay was spawned.
	StartedAt time.Time
	// FinishedAt is nil until the relay terminates.
	FinishedAt *time.Time
	// Status is running until the relay reports an outcome.
	Status Status
	// State and Percent hold the last progress value observed in the cell.
	State   string
	Percent uint8
	// Relayed counts payloads the relay stored and signaled.
	Relayed int
	// ErrorMessage stores the fatal relay error, if any.
	ErrorMessage *string
}

// OperationRepository persists operation lifecycles.
type OperationRepository interface {
	// InsertOperation records a newly started operation.
	InsertOperation(ctx context.Context, rec OperationRecord) error
	// CompleteOperation stores the final outcome for an operation.
	CompleteOperation(ctx context.Context, rec OperationRecord) error
	// GetOperation loads a single record or returns ErrNotFound.
	GetOperation(ctx context.Context, id uuid.UUID) (OperationRecord, error)
	// ListOperations returns records newest first, optionally filtered by status.
	ListOperations(ctx context.Context, status *Status, limit, offset int) ([]OperationRecord, error)
}

// ParseStatus converts user input into a Status.
func ParseStatus(input string) (Status, error) {
	switch Status(input) {
	case StatusRunning, StatusSucceeded, StatusClosed, StatusCanceled, StatusFailed:
		return Status(input), nil
	default:
		return "", errors.New("invalid status")
	}
}

// ParseKind converts user input into a Kind.
func ParseKind(input string) (Kind, error) {
	switch Kind(input) {
	case KindFetch, KindPush:
		return Kind(input), nil
	default:
		return "", errors.New("invalid kind")
	}
}
