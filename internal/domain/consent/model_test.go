package consent

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusRevoked, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusPending, false},
		{StatusActive, StatusActive, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusPending, false},
		{StatusRevoked, StatusRevoked, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Active ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != StatusActive {
		t.Errorf("expected active, got %s", st)
	}
	if _, err := ParseStatus("archived"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestParsePurpose(t *testing.T) {
	for _, p := range Purposes() {
		got, err := ParsePurpose(string(p))
		if err != nil {
			t.Errorf("ParsePurpose(%q): %v", p, err)
		}
		if got != p {
			t.Errorf("expected %q, got %q", p, got)
		}
	}

	for _, bad := range []string{"", "research study participation", "Marketing", "Research"} {
		if _, err := ParsePurpose(bad); !errors.Is(err, ErrInvalidPurpose) {
			t.Errorf("ParsePurpose(%q): expected ErrInvalidPurpose, got %v", bad, err)
		}
	}
}

func TestPurposes_ReturnsCopy(t *testing.T) {
	ps := Purposes()
	if len(ps) != 4 {
		t.Fatalf("expected 4 purposes, got %d", len(ps))
	}
	ps[0] = "tampered"
	if Purposes()[0] != PurposeResearchParticipation {
		t.Error("Purposes must not expose the allow-list")
	}
}

func TestAnchorStatus_Outstanding(t *testing.T) {
	if !AnchorQueued.Outstanding() || !AnchorSubmitted.Outstanding() {
		t.Error("queued and submitted are outstanding")
	}
	if AnchorNone.Outstanding() || AnchorConfirmed.Outstanding() || AnchorFailed.Outstanding() {
		t.Error("none, confirmed and failed are not outstanding")
	}
}

func TestCommitment(t *testing.T) {
	c := &Consent{
		ID:             uuid.MustParse("6f1c1c1e-8a9b-4f7e-9a7e-3c2b1a0d9e8f"),
		PatientID:      "patient-001",
		Purpose:        PurposeResearchParticipation,
		WalletAddress:  "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01",
		Signature:      "0xABCD",
		MessageVersion: "consent-msg-v1",
		Status:         StatusPending,
	}
	a, err := c.Commitment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}

	// mutable fields do not change the commitment
	other := c.clone()
	other.Status = StatusRevoked
	other.Version = 7
	other.WalletAddress = "0xabcdef0123456789abcdef0123456789abcdef01"
	other.Signature = "0xabcd"
	b, _ := other.Commitment()
	if a != b {
		t.Errorf("commitment changed with status, version or casing: %s vs %s", a, b)
	}

	other.PatientID = "patient-002"
	d, _ := other.Commitment()
	if a == d {
		t.Error("commitment must change with patientId")
	}
}

func TestConsentClone_IsDeep(t *testing.T) {
	hash := "0x01"
	block := int64(9)
	c := &Consent{BlockchainTxHash: &hash, BlockNumber: &block}
	cp := c.clone()
	*cp.BlockchainTxHash = "0x02"
	*cp.BlockNumber = 10
	if *c.BlockchainTxHash != "0x01" || *c.BlockNumber != 9 {
		t.Error("clone shares pointers with the original")
	}
}
