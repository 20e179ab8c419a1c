// Package callstore persists one record per relayed phone call so that
// completed and failed calls can be audited after the fact.
package callstore

import (
	"context"
	"time"
)

// Outcome values recorded when a call finishes.
const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
)

// CallRecord describes a single relayed call.
type CallRecord struct {
	// ID is the unique record identifier, assigned by the caller.
	ID string

	// StreamSID is the telephony provider's media stream identifier.
	StreamSID string

	// CallSID is the telephony provider's call identifier, when known.
	CallSID string

	// StartedAt is when the media stream connected.
	StartedAt time.Time

	// EndedAt is when the call finished. Nil while the call is live.
	EndedAt *time.Time

	// Outcome is one of the Outcome* constants. Empty while the call is live.
	Outcome string

	// Detail carries the error message for failed calls.
	Detail string
}

// Store persists call records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Begin inserts a record for a call that just connected. StartedAt is
	// filled in from the database clock.
	Begin(ctx context.Context, rec *CallRecord) error

	// Finish marks the call with the given record ID as ended, recording the
	// outcome and an optional detail message. Finishing an unknown record is
	// an error.
	Finish(ctx context.Context, id, outcome, detail string) error

	// Get retrieves a call record by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*CallRecord, error)

	// Recent returns up to limit call records, newest first.
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
}
