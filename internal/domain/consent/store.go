package consent

import (
	"context"

	"github.com/google/uuid"
)

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	PatientID string
	Status    Status
}

// Extra carries the non-status fields a CAS may write alongside the status.
// Nil pointers leave the stored value untouched. BlockchainTxHash is only
// written while the stored hash is still null.
type Extra struct {
	TransitionID     uuid.UUID
	AnchorStatus     AnchorStatus
	AnchorHandle     *string
	AnchorError      *string
	AnchoringFailed  *bool
	BlockchainTxHash *string
	BlockNumber      *int64
	EventKind        EventKind
	EventDetail      string
}

// Stats is the status histogram served by the query façade.
type Stats struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Active          int `json:"active"`
	Revoked         int `json:"revoked"`
	Anchored        int `json:"anchored"`
	AnchoringFailed int `json:"anchoringFailed"`
}

// Store persists consents. CompareAndSwapStatus is the only mutation after
// Create and is atomic per record.
type Store interface {
	Create(ctx context.Context, c *Consent) error
	Get(ctx context.Context, id uuid.UUID) (*Consent, error)
	List(ctx context.Context, f Filter, page, pageSize int) ([]*Consent, int, error)
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expectedVersion int, newStatus Status, extra Extra) (*Consent, error)
	CountByStatus(ctx context.Context) (Stats, error)
	ListAnchorOutstanding(ctx context.Context, limit int) ([]*Consent, error)
	History(ctx context.Context, id uuid.UUID) ([]*Event, error)
}
