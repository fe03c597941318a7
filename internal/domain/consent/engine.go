package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/metrics"
	"github.com/ehr/consent/internal/platform/signature"
)

// DefaultMaxRetries bounds CAS attempts per transition.
const DefaultMaxRetries = 3

// anchorWriteRetries bounds CAS attempts for anchor write-backs, which race
// with user transitions and must not be dropped.
const anchorWriteRetries = 10

// Anchorer hands a commitment to the background anchoring loop. Enqueue
// must not block on the ledger.
type Anchorer interface {
	Enqueue(ctx context.Context, consentID, commitment string) error
	Resume(ctx context.Context, consentID, commitment, handle string) error
}

// CreateRequest is the input to CreateConsent.
type CreateRequest struct {
	PatientID      string `json:"patientId"`
	Purpose        string `json:"purpose"`
	WalletAddress  string `json:"walletAddress"`
	Signature      string `json:"signature"`
	MessageVersion string `json:"messageVersion,omitempty"`
}

// Engine enforces the consent lifecycle. It holds no locks; the store's CAS
// is the only serialization point.
type Engine struct {
	store      Store
	verifier   signature.Verifier
	anchorer   Anchorer
	maxRetries int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnchorer enables ledger anchoring. Without it, consents are stored
// with an empty anchor status.
func WithAnchorer(a Anchorer) Option {
	return func(e *Engine) { e.anchorer = a }
}

// WithMaxRetries overrides DefaultMaxRetries. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxRetries = n
		}
	}
}

// WithLogger sets the logger for lifecycle and anchoring events.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records transition and retry counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an Engine over store. Signatures are checked with
// verifier; anchoring stays off until an Anchorer is attached.
func NewEngine(store Store, verifier signature.Verifier, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		verifier:   verifier,
		maxRetries: DefaultMaxRetries,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetAnchorer attaches the anchoring loop after construction. The loop and
// the engine reference each other, so one side has to be wired late.
func (e *Engine) SetAnchorer(a Anchorer) { e.anchorer = a }

// CreateConsent verifies the signed intent and stores it as pending.
// Anchoring is queued afterwards and can never fail the creation.
func (e *Engine) CreateConsent(ctx context.Context, req CreateRequest) (*Consent, error) {
	c, err := e.create(ctx, req)
	if err != nil {
		e.metrics.IncTransition("create", outcomeOf(err))
		return nil, err
	}
	e.metrics.IncTransition("create", metrics.OutcomeSuccess)
	return c, nil
}

func (e *Engine) create(ctx context.Context, req CreateRequest) (*Consent, error) {
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrInvalidRequest)
	}
	if len(patientID) > MaxPatientIDLength {
		return nil, fmt.Errorf("%w: patientId exceeds %d characters", ErrInvalidRequest, MaxPatientIDLength)
	}
	purpose, err := ParsePurpose(req.Purpose)
	if err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if !signature.IsAddress(wallet) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrInvalidSignature)
	}

	version := strings.TrimSpace(req.MessageVersion)
	if version == "" {
		version = signature.CurrentMessageVersion
	}
	msg, err := signature.CanonicalMessage(version, string(purpose), patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sig := strings.TrimSpace(req.Signature)
	if !e.verifier.Verify(wallet, msg, sig) {
		return nil, ErrInvalidSignature
	}

	c := &Consent{
		ID:             uuid.New(),
		PatientID:      patientID,
		Purpose:        purpose,
		WalletAddress:  wallet,
		Signature:      sig,
		MessageVersion: version,
		Status:         StatusPending,
	}
	if e.anchorer != nil {
		c.AnchorStatus = AnchorQueued
	}
	if err := e.store.Create(ctx, c); err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		stored, rerr := e.resolveUncertainCreate(ctx, c)
		if rerr != nil {
			return nil, err
		}
		c = stored
	}
	e.logger.Info().
		Str("consent_id", c.ID.String()).
		Str("patient_id", c.PatientID).
		Str("purpose", string(c.Purpose)).
		Msg("consent created")

	if e.anchorer == nil {
		return c, nil
	}
	commitment, err := c.Commitment()
	if err == nil {
		err = e.anchorer.Enqueue(ctx, c.ID.String(), commitment)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("consent_id", c.ID.String()).Msg("anchoring enqueue failed")
		if rerr := e.RecordFailed(context.WithoutCancel(ctx), c.ID.String(), "enqueue: "+err.Error()); rerr != nil {
			e.logger.Error().Err(rerr).Str("consent_id", c.ID.String()).Msg("record anchoring failure")
			return c, nil
		}
		if latest, gerr := e.store.Get(ctx, c.ID); gerr == nil {
			c = latest
		}
	}
	return c, nil
}

// resolveUncertainCreate re-reads a record whose insert outcome is unknown.
// The id is generated here, so a stored record carrying the same signature
// is this request's write.
func (e *Engine) resolveUncertainCreate(ctx context.Context, c *Consent) (*Consent, error) {
	stored, err := e.store.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if stored.Signature != c.Signature {
		return nil, ErrStoreUnavailable
	}
	e.logger.Warn().Str("consent_id", c.ID.String()).Msg("uncertain create resolved: write landed")
	return stored, nil
}

// ApproveConsent moves a pending consent to active.
func (e *Engine) ApproveConsent(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return e.transition(ctx, "approve", id, StatusActive)
}

// RevokeConsent moves a pending or active consent to revoked.
func (e *Engine) RevokeConsent(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return e.transition(ctx, "revoke", id, StatusRevoked)
}

// UpdateStatus dispatches a requested target status to the matching
// transition.
func (e *Engine) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*Consent, error) {
	target, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	switch target {
	case StatusActive:
		return e.ApproveConsent(ctx, id)
	case StatusRevoked:
		return e.RevokeConsent(ctx, id)
	default:
		return nil, fmt.Errorf("%w: cannot move a consent to %s", ErrInvalidTransition, target)
	}
}

func (e *Engine) transition(ctx context.Context, op string, id uuid.UUID, target Status) (*Consent, error) {
	c, err := e.runTransition(ctx, op, id, target)
	if err != nil {
		e.metrics.IncTransition(op, outcomeOf(err))
		return nil, err
	}
	e.metrics.IncTransition(op, metrics.OutcomeSuccess)
	e.logger.Info().
		Str("consent_id", id.String()).
		Str("op", op).
		Str("status", string(c.Status)).
		Int("version", c.Version).
		Msg("consent transitioned")
	return c, nil
}

func (e *Engine) runTransition(ctx context.Context, op string, id uuid.UUID, target Status) (*Consent, error) {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !CanTransition(cur.Status, target) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, target)
		}

		tid := uuid.New()
		updated, err := e.store.CompareAndSwapStatus(ctx, id, cur.Version, target, Extra{TransitionID: tid})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, ErrVersionConflict):
			e.metrics.IncCASRetry(op)
			continue
		case errors.Is(err, ErrStoreUnavailable):
			resolved, rerr := e.resolveUncertain(ctx, id, cur.Version, tid)
			if rerr != nil {
				return nil, rerr
			}
			if resolved != nil {
				return resolved, nil
			}
			e.metrics.IncCASRetry(op)
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrConcurrentModification
}

// resolveUncertain re-reads a record after a CAS whose outcome is unknown.
// It returns the record when the write with tid is visible, nil when the
// write did not land, and ErrStoreUnavailable when the store cannot answer.
func (e *Engine) resolveUncertain(ctx context.Context, id uuid.UUID, expectedVersion int, tid uuid.UUID) (*Consent, error) {
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: outcome of write unknown: %v", ErrStoreUnavailable, err)
	}
	if cur.LastTransitionID != nil && *cur.LastTransitionID == tid {
		return cur, nil
	}
	e.logger.Warn().
		Str("consent_id", id.String()).
		Int("expected_version", expectedVersion).
		Int("found_version", cur.Version).
		Msg("uncertain write did not land, retrying")
	return nil, nil
}

// RecordSubmitted stores the ledger handle of an accepted submission.
func (e *Engine) RecordSubmitted(ctx context.Context, consentID, handle string) error {
	return e.updateAnchor(ctx, consentID, func(c *Consent) (Extra, bool) {
		if c.AnchorStatus == AnchorConfirmed || c.AnchorStatus == AnchorFailed {
			return Extra{}, false
		}
		if c.AnchorStatus == AnchorSubmitted && c.AnchorHandle != nil && *c.AnchorHandle == handle {
			return Extra{}, false
		}
		h := handle
		return Extra{
			AnchorStatus: AnchorSubmitted,
			AnchorHandle: &h,
			EventKind:    EventAnchor,
			EventDetail:  "submitted " + handle,
		}, true
	})
}

// RecordConfirmed stores the anchoring transaction. An already recorded
// hash is never replaced.
func (e *Engine) RecordConfirmed(ctx context.Context, consentID, txHash string, blockNumber uint64) error {
	return e.updateAnchor(ctx, consentID, func(c *Consent) (Extra, bool) {
		if c.BlockchainTxHash != nil {
			return Extra{}, false
		}
		hash := txHash
		block := int64(blockNumber)
		notFailed := false
		return Extra{
			AnchorStatus:     AnchorConfirmed,
			BlockchainTxHash: &hash,
			BlockNumber:      &block,
			AnchoringFailed:  &notFailed,
			EventKind:        EventAnchor,
			EventDetail:      "confirmed " + txHash,
		}, true
	})
}

// RecordFailed flags a consent whose anchoring was abandoned. The consent
// status is unaffected.
func (e *Engine) RecordFailed(ctx context.Context, consentID, reason string) error {
	return e.updateAnchor(ctx, consentID, func(c *Consent) (Extra, bool) {
		if c.BlockchainTxHash != nil || c.AnchorStatus == AnchorFailed {
			return Extra{}, false
		}
		failed := true
		r := reason
		return Extra{
			AnchorStatus:    AnchorFailed,
			AnchorError:     &r,
			AnchoringFailed: &failed,
			EventKind:       EventAnchor,
			EventDetail:     fmt.Sprintf("%v: %s", ErrAnchoringFailed, reason),
		}, true
	})
}

func (e *Engine) updateAnchor(ctx context.Context, consentID string, build func(*Consent) (Extra, bool)) error {
	id, err := uuid.Parse(consentID)
	if err != nil {
		return fmt.Errorf("%w: consent id %q", ErrInvalidRequest, consentID)
	}
	for attempt := 0; attempt < anchorWriteRetries; attempt++ {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		extra, ok := build(cur)
		if !ok {
			return nil
		}
		_, err = e.store.CompareAndSwapStatus(ctx, id, cur.Version, "", extra)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrConcurrentModification
}

// RecoverAnchors re-enqueues every consent whose anchoring was still in
// flight, typically after a restart. It returns how many were handed back.
func (e *Engine) RecoverAnchors(ctx context.Context, limit int) (int, error) {
	if e.anchorer == nil {
		return 0, nil
	}
	outstanding, err := e.store.ListAnchorOutstanding(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range outstanding {
		commitment, err := c.Commitment()
		if err != nil {
			return n, err
		}
		if c.AnchorStatus == AnchorSubmitted && c.AnchorHandle != nil {
			err = e.anchorer.Resume(ctx, c.ID.String(), commitment, *c.AnchorHandle)
		} else {
			err = e.anchorer.Enqueue(ctx, c.ID.String(), commitment)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicateConsent):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrStoreUnavailable):
		return metrics.OutcomeError
	default:
		return metrics.OutcomeRejected
	}
}
