//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/ledger"
	"github.com/ehr/consent/internal/platform/signature"
)

func signedRequest(t *testing.T, patientID string, purpose consent.Purpose) consent.CreateRequest {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg, _ := signature.CanonicalMessage(signature.CurrentMessageVersion, string(purpose), patientID)
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return consent.CreateRequest{
		PatientID:     patientID,
		Purpose:       string(purpose),
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Signature:     hexutil.Encode(sig),
	}
}

func newEngine() (*consent.Engine, *consent.PGStore) {
	store := consent.NewPGStore(globalDB.Pool)
	return consent.NewEngine(store, signature.NewVerifier()), store
}

func TestPGStore_Lifecycle(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, store := newEngine()

	c, err := e.CreateConsent(ctx, signedRequest(t, "patient-001", consent.PurposeResearchParticipation))
	if err != nil {
		t.Fatalf("CreateConsent: %v", err)
	}
	if c.Version != 1 || c.CreatedAt.IsZero() {
		t.Errorf("expected version 1 with timestamps, got v%d", c.Version)
	}

	if _, err := e.ApproveConsent(ctx, c.ID); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	got, err := e.RevokeConsent(ctx, c.ID)
	if err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	if got.Status != consent.StatusRevoked || got.Version != 3 {
		t.Errorf("expected revoked v3, got %s v%d", got.Status, got.Version)
	}
	if got.LastTransitionID == nil {
		t.Error("transition id not persisted")
	}

	events, err := store.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if *events[2].FromStatus != consent.StatusActive || events[2].ToStatus != consent.StatusRevoked {
		t.Errorf("unexpected last event %+v", events[2])
	}
}

func TestPGStore_NotFoundAndConflict(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, store := newEngine()

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, consent.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	c, _ := e.CreateConsent(ctx, signedRequest(t, "p1", consent.PurposeInsuranceAccess))
	if _, err := store.CompareAndSwapStatus(ctx, c.ID, 5, consent.StatusActive, consent.Extra{}); !errors.Is(err, consent.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := store.CompareAndSwapStatus(ctx, uuid.New(), 1, consent.StatusActive, consent.Extra{}); !errors.Is(err, consent.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStore_DuplicateUsesLiveIndex(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, _ := newEngine()
	req := signedRequest(t, "p1", consent.PurposeAnalyticsAccess)

	first, err := e.CreateConsent(ctx, req)
	if err != nil {
		t.Fatalf("CreateConsent: %v", err)
	}
	if _, err := e.CreateConsent(ctx, req); !errors.Is(err, consent.ErrDuplicateConsent) {
		t.Fatalf("expected ErrDuplicateConsent, got %v", err)
	}
	if _, err := e.RevokeConsent(ctx, first.ID); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	if _, err := e.CreateConsent(ctx, req); err != nil {
		t.Errorf("expected re-consent after revoke, got %v", err)
	}
}

func TestPGStore_ConcurrentRevokes(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, store := newEngine()
	c, _ := e.CreateConsent(ctx, signedRequest(t, "p1", consent.PurposeResearchParticipation))

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.RevokeConsent(ctx, c.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one winner, got %d", successes)
	}
	got, _ := store.Get(ctx, c.ID)
	if got.Version != 2 {
		t.Errorf("expected a single applied write (v2), got v%d", got.Version)
	}
}

func TestPGStore_ListPaging(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, store := newEngine()
	for i := 0; i < 25; i++ {
		if _, err := e.CreateConsent(ctx, signedRequest(t, fmt.Sprintf("patient-%03d", i), consent.PurposeResearchParticipation)); err != nil {
			t.Fatalf("CreateConsent: %v", err)
		}
	}

	seen := map[uuid.UUID]bool{}
	for page, want := range []int{10, 10, 5} {
		items, total, err := store.List(ctx, consent.Filter{}, page+1, 10)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 25 || len(items) != want {
			t.Errorf("page %d: got %d items of %d", page+1, len(items), total)
		}
		for _, c := range items {
			if seen[c.ID] {
				t.Errorf("consent %s on two pages", c.ID)
			}
			seen[c.ID] = true
		}
	}

	items, total, err := store.List(ctx, consent.Filter{PatientID: "patient-007"}, 1, 10)
	if err != nil || total != 1 || items[0].PatientID != "patient-007" {
		t.Errorf("patient filter: %d items, err %v", total, err)
	}
	if _, _, err := store.List(ctx, consent.Filter{}, 0, 10); !errors.Is(err, consent.ErrInvalidPagination) {
		t.Errorf("expected ErrInvalidPagination, got %v", err)
	}
}

func TestPGStore_AnchoringRoundTrip(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	e, store := newEngine()
	now := time.Now()
	mem := ledger.NewMemoryLedger(1)
	confirmer := ledger.NewConfirmer(mem, ledger.NewMemoryQueue(), e, ledger.ConfirmerConfig{},
		ledger.WithClock(func() time.Time { return now }))
	e.SetAnchorer(confirmer)

	c, err := e.CreateConsent(ctx, signedRequest(t, "p1", consent.PurposeResearchParticipation))
	if err != nil {
		t.Fatalf("CreateConsent: %v", err)
	}
	if _, err := e.ApproveConsent(ctx, c.ID); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := confirmer.ProcessDue(ctx); err != nil {
			t.Fatalf("ProcessDue: %v", err)
		}
		now = now.Add(time.Minute)
	}

	got, _ := store.Get(ctx, c.ID)
	if got.BlockchainTxHash == nil || got.BlockNumber == nil {
		t.Fatal("expected anchored consent")
	}
	if got.Status != consent.StatusActive || got.AnchorStatus != consent.AnchorConfirmed {
		t.Errorf("unexpected state %s / %s", got.Status, got.AnchorStatus)
	}

	st, _ := store.CountByStatus(ctx)
	if st.Total != 1 || st.Active != 1 || st.Anchored != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	out, _ := store.ListAnchorOutstanding(ctx, 10)
	if len(out) != 0 {
		t.Errorf("expected nothing outstanding, got %d", len(out))
	}
}
