package queue

import (
	"context"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
)

// FailureReason classifies why a message was dead-lettered.
type FailureReason string

const (
	ReasonExpired          FailureReason = "expired"
	ReasonValidation       FailureReason = "validation"
	ReasonRetriesExhausted FailureReason = "retries-exhausted"
	ReasonSystem           FailureReason = "system"
)

// DeadLetterRecord preserves a failed message with its failure history.
// The envelope is stored as delivered, so replay can reconstruct it exactly.
type DeadLetterRecord struct {
	Envelope       *envelope.Envelope `json:"envelope"`
	Queue          string             `json:"queue"`
	Group          string             `json:"group,omitempty"`
	Reason         FailureReason      `json:"reason"`
	Detail         string             `json:"detail,omitempty"`
	FailureCount   int                `json:"failure_count"`
	FirstFailureMs int64              `json:"first_failure_ms"`
	LastFailureMs  int64              `json:"last_failure_ms"`
}

// DeadLetterStore holds the dead-letter records for one queue. Add is called
// by the queue itself; List, Take and Remove serve operator inspection,
// replay and discard.
type DeadLetterStore interface {
	Add(ctx context.Context, rec *DeadLetterRecord) error
	// List returns up to limit records in failure order. limit <= 0 means
	// all.
	List(ctx context.Context, limit int) ([]*DeadLetterRecord, error)
	// Take removes and returns the record for messageID, for replay.
	Take(ctx context.Context, messageID string) (*DeadLetterRecord, error)
	// Remove discards the record for messageID. Removing an unknown id is
	// an error so operators notice typos.
	Remove(ctx context.Context, messageID string) error
	Len(ctx context.Context) (int, error)
}
