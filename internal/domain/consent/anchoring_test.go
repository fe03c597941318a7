package consent

import (
	"context"
	"testing"
	"time"

	"github.com/ehr/consent/internal/platform/ledger"
)

// anchoringHarness runs the real confirmer against an in-process ledger
// with a controllable clock.
type anchoringHarness struct {
	engine    *Engine
	store     *MemoryStore
	ledger    *ledger.MemoryLedger
	confirmer *ledger.Confirmer
	now       time.Time
}

func newAnchoringHarness(confirmAfter int) *anchoringHarness {
	h := &anchoringHarness{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h.engine, h.store = newTestEngine()
	h.ledger = ledger.NewMemoryLedger(confirmAfter)
	h.confirmer = ledger.NewConfirmer(h.ledger, ledger.NewMemoryQueue(), h.engine, ledger.ConfirmerConfig{
		CallTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Second,
		Deadline:    time.Hour,
	}, ledger.WithClock(func() time.Time { return h.now }))
	h.engine.SetAnchorer(h.confirmer)
	return h
}

func (h *anchoringHarness) run(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if _, err := h.confirmer.ProcessDue(context.Background()); err != nil {
			t.Fatalf("ProcessDue: %v", err)
		}
		h.now = h.now.Add(2 * time.Second)
	}
}

func TestAnchoring_ConfirmsConsent(t *testing.T) {
	h := newAnchoringHarness(2)
	ctx := context.Background()
	w := newWallet(t)

	c, err := h.engine.CreateConsent(ctx, w.request(t, "patient-001", PurposeResearchParticipation))
	if err != nil {
		t.Fatalf("CreateConsent: %v", err)
	}
	h.run(t, 5)

	got, _ := h.store.Get(ctx, c.ID)
	if got.BlockchainTxHash == nil {
		t.Fatal("expected consent to be anchored")
	}
	if got.AnchorStatus != AnchorConfirmed || got.AnchoringFailed {
		t.Errorf("unexpected anchor state %q failed=%v", got.AnchorStatus, got.AnchoringFailed)
	}
	if got.BlockNumber == nil || *got.BlockNumber != 1 {
		t.Errorf("expected block 1, got %v", got.BlockNumber)
	}
	if got.Status != StatusPending {
		t.Errorf("anchoring changed status to %s", got.Status)
	}
}

func TestAnchoring_LedgerDownFlagsConsent(t *testing.T) {
	h := newAnchoringHarness(1)
	h.ledger.FailSubmissions("rpc unreachable")
	ctx := context.Background()
	w := newWallet(t)

	c, err := h.engine.CreateConsent(ctx, w.request(t, "patient-001", PurposeResearchParticipation))
	if err != nil {
		t.Fatalf("creation must not depend on the ledger: %v", err)
	}
	if _, err := h.engine.ApproveConsent(ctx, c.ID); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	h.run(t, 5)

	got, _ := h.store.Get(ctx, c.ID)
	if !got.AnchoringFailed || got.AnchorStatus != AnchorFailed {
		t.Errorf("expected anchoring failure flagged, got %q failed=%v", got.AnchorStatus, got.AnchoringFailed)
	}
	if got.BlockchainTxHash != nil {
		t.Error("tx hash must stay null")
	}
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if h.ledger.SubmitCalls() != 3 {
		t.Errorf("expected 3 submit attempts, got %d", h.ledger.SubmitCalls())
	}
}

func TestAnchoring_RecoverAfterRestart(t *testing.T) {
	h := newAnchoringHarness(1)
	ctx := context.Background()
	w := newWallet(t)

	c, _ := h.engine.CreateConsent(ctx, w.request(t, "patient-001", PurposeResearchParticipation))
	h.run(t, 1)

	// a fresh confirmer with an empty queue stands in for a restarted process
	restarted := ledger.NewConfirmer(h.ledger, ledger.NewMemoryQueue(), h.engine, ledger.ConfirmerConfig{},
		ledger.WithClock(func() time.Time { return h.now }))
	h.engine.SetAnchorer(restarted)
	n, err := h.engine.RecoverAnchors(ctx, 100)
	if err != nil || n != 1 {
		t.Fatalf("RecoverAnchors = %d, %v", n, err)
	}
	if _, err := restarted.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}

	got, _ := h.store.Get(ctx, c.ID)
	if got.BlockchainTxHash == nil {
		t.Fatal("expected anchoring to complete after recovery")
	}
	if h.ledger.SubmitCalls() != 1 {
		t.Errorf("recovered submission was resubmitted: %d calls", h.ledger.SubmitCalls())
	}
}
