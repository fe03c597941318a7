package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consent/internal/platform/signature"
)

// Status is the lifecycle state of a consent.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// transitions lists the allowed target states per source state. Nothing
// returns to pending and revoked is terminal.
var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusActive: true, StatusRevoked: true},
	StatusActive:  {StatusRevoked: true},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ParseStatus validates a status string from a request.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
	}
	return st, nil
}

// AnchorStatus tracks the ledger anchoring of a consent. It is independent
// of Status.
type AnchorStatus string

const (
	AnchorNone      AnchorStatus = ""
	AnchorQueued    AnchorStatus = "queued"
	AnchorSubmitted AnchorStatus = "submitted"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
)

// Outstanding reports whether the anchoring loop still owns the consent.
func (a AnchorStatus) Outstanding() bool {
	return a == AnchorQueued || a == AnchorSubmitted
}

// Purpose is one of the authorized data-sharing purposes.
type Purpose string

const (
	PurposeResearchParticipation Purpose = "Research Study Participation"
	PurposeInstitutionSharing    Purpose = "Data Sharing with Research Institution"
	PurposeAnalyticsAccess       Purpose = "Third-Party Analytics Access"
	PurposeInsuranceAccess       Purpose = "Insurance Provider Access"
)

var purposes = []Purpose{
	PurposeResearchParticipation,
	PurposeInstitutionSharing,
	PurposeAnalyticsAccess,
	PurposeInsuranceAccess,
}

// Purposes returns the allow-list in display order.
func Purposes() []Purpose {
	out := make([]Purpose, len(purposes))
	copy(out, purposes)
	return out
}

// ParsePurpose accepts only exact allow-list entries.
func ParsePurpose(s string) (Purpose, error) {
	s = strings.TrimSpace(s)
	for _, p := range purposes {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, s)
}

// MaxPatientIDLength bounds the opaque patient reference.
const MaxPatientIDLength = 128

// Consent is a patient-purpose-wallet grant signed by the wallet's key.
type Consent struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	PatientID        string       `db:"patient_id" json:"patientId"`
	Purpose          Purpose      `db:"purpose" json:"purpose"`
	WalletAddress    string       `db:"wallet_address" json:"walletAddress"`
	Signature        string       `db:"signature" json:"signature"`
	MessageVersion   string       `db:"message_version" json:"messageVersion"`
	Status           Status       `db:"status" json:"status"`
	BlockchainTxHash *string      `db:"blockchain_tx_hash" json:"blockchainTxHash"`
	BlockNumber      *int64       `db:"block_number" json:"blockNumber,omitempty"`
	AnchorStatus     AnchorStatus `db:"anchor_status" json:"anchorStatus,omitempty"`
	AnchorHandle     *string      `db:"anchor_handle" json:"anchorHandle,omitempty"`
	AnchorError      *string      `db:"anchor_error" json:"anchorError,omitempty"`
	AnchoringFailed  bool         `db:"anchoring_failed" json:"anchoringFailed"`
	LastTransitionID *uuid.UUID   `db:"last_transition_id" json:"-"`
	Version          int          `db:"version" json:"version"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// commitmentPayload fixes the field order of the anchored commitment.
type commitmentPayload struct {
	ID             string `json:"id"`
	PatientID      string `json:"patientId"`
	Purpose        string `json:"purpose"`
	WalletAddress  string `json:"walletAddress"`
	Signature      string `json:"signature"`
	MessageVersion string `json:"messageVersion"`
}

// Commitment returns the hex SHA-256 of the consent's immutable fields. It is
// what gets anchored on the ledger.
func (c *Consent) Commitment() (string, error) {
	b, err := json.Marshal(commitmentPayload{
		ID:             c.ID.String(),
		PatientID:      c.PatientID,
		Purpose:        string(c.Purpose),
		WalletAddress:  signature.NormalizeAddress(c.WalletAddress),
		Signature:      strings.ToLower(c.Signature),
		MessageVersion: c.MessageVersion,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Consent) clone() *Consent {
	out := *c
	out.BlockchainTxHash = cloneString(c.BlockchainTxHash)
	out.AnchorHandle = cloneString(c.AnchorHandle)
	out.AnchorError = cloneString(c.AnchorError)
	if c.BlockNumber != nil {
		n := *c.BlockNumber
		out.BlockNumber = &n
	}
	if c.LastTransitionID != nil {
		id := *c.LastTransitionID
		out.LastTransitionID = &id
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// EventKind classifies audit trail entries.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventTransition EventKind = "transition"
	EventAnchor     EventKind = "anchor"
)

// Event is one append-only audit trail entry for a consent.
type Event struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ConsentID  uuid.UUID `db:"consent_id" json:"consentId"`
	Kind       EventKind `db:"kind" json:"kind"`
	FromStatus *Status   `db:"from_status" json:"fromStatus,omitempty"`
	ToStatus   Status    `db:"to_status" json:"toStatus"`
	Version    int       `db:"version" json:"version"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
