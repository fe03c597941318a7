// Package ledger anchors consent commitments on an external ledger and
// drives their confirmation in the background.
//
// The ledger is an opaque service: a Client submits a commitment and later
// reports whether the submission was confirmed. The Confirmer owns every
// outstanding submission and reports outcomes through a Recorder.
package ledger

import (
	"context"
	"errors"
)

// State of a submission as seen by the ledger.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

var (
	// ErrUnknownHandle means the ledger has no record of the handle.
	ErrUnknownHandle = errors.New("ledger: unknown handle")
	// ErrInvalidCommitment means the commitment is not a 32-byte hex digest.
	ErrInvalidCommitment = errors.New("ledger: invalid commitment")
)

// Confirmation is the result of polling a submission. TxHash and
// BlockNumber are set when State is StateConfirmed, Reason when it is
// StateFailed.
type Confirmation struct {
	State       State
	TxHash      string
	BlockNumber uint64
	Reason      string
}

// Client talks to one ledger. Implementations must be safe for concurrent
// use and must honour ctx deadlines.
type Client interface {
	Submit(ctx context.Context, consentID, commitment string) (handle string, err error)
	PollConfirmation(ctx context.Context, handle string) (Confirmation, error)
}

// Recorder receives anchoring outcomes. Implementations write them back to
// the consent store.
type Recorder interface {
	RecordSubmitted(ctx context.Context, consentID, handle string) error
	RecordConfirmed(ctx context.Context, consentID, txHash string, blockNumber uint64) error
	RecordFailed(ctx context.Context, consentID, reason string) error
}
