package models

import (
	"fmt"
	"time"
)

// Operation is the kind of mutation an outbox entry carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates s as an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// OutboxStatus tracks whether an entry has been handed to the remote.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxInFlight OutboxStatus = "in_flight"
)

// OutboxEntry is one queued local mutation awaiting remote confirmation.
type OutboxEntry struct {
	ID         int64        `db:"id" json:"id"`
	TableName  string       `db:"table_name" json:"table_name"`
	RecordID   string       `db:"record_id" json:"record_id"`
	Operation  Operation    `db:"operation" json:"operation"`
	Payload    Record       `db:"payload" json:"payload"`
	RetryCount int          `db:"retry_count" json:"retry_count"`
	LastError  string       `db:"last_error" json:"last_error,omitempty"`
	Permanent  bool         `db:"permanent" json:"permanent"` // rejected by the remote, never retried
	Status     OutboxStatus `db:"status" json:"status"`
	CreatedAt  int64        `db:"created_at" json:"created_at"` // unix millis
	UpdatedAt  int64        `db:"updated_at" json:"updated_at"` // unix millis
}

// Table returns the storage table for OutboxEntry.
func (OutboxEntry) Table() string {
	return "sync_outbox"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *OutboxEntry) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *OutboxEntry) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// IsFailed reports whether the entry has left the retry budget.
func (e *OutboxEntry) IsFailed(maxRetries int) bool {
	return e.Permanent || e.RetryCount >= maxRetries
}
