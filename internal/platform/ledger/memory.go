package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryLedger simulates a ledger in process. Submissions confirm after a
// fixed number of polls, or all fail when failing is set.
type MemoryLedger struct {
	mu           sync.Mutex
	confirmAfter int
	failSubmit   bool
	failReason   string
	nextBlock    uint64
	submissions  map[string]*memSubmission
	submitCalls  int
}

type memSubmission struct {
	consentID  string
	commitment string
	polls      int
	block      uint64
}

// NewMemoryLedger returns a ledger that confirms each submission on the
// confirmAfter-th poll. Values below 1 confirm on the first poll.
func NewMemoryLedger(confirmAfter int) *MemoryLedger {
	if confirmAfter < 1 {
		confirmAfter = 1
	}
	return &MemoryLedger{
		confirmAfter: confirmAfter,
		nextBlock:    1,
		submissions:  make(map[string]*memSubmission),
	}
}

// FailSubmissions makes every later Submit return an error.
func (m *MemoryLedger) FailSubmissions(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmit = true
	m.failReason = reason
}

// SubmitCalls returns how many times Submit was invoked.
func (m *MemoryLedger) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

func (m *MemoryLedger) Submit(ctx context.Context, consentID, commitment string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := decodeCommitment(commitment); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++
	if m.failSubmit {
		return "", fmt.Errorf("ledger unavailable: %s", m.failReason)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", consentID, commitment, m.submitCalls)))
	handle := "0x" + hex.EncodeToString(sum[:])
	m.submissions[handle] = &memSubmission{consentID: consentID, commitment: commitment}
	return handle, nil
}

func (m *MemoryLedger) PollConfirmation(ctx context.Context, handle string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[handle]
	if !ok {
		return Confirmation{State: StateFailed, Reason: ErrUnknownHandle.Error()}, nil
	}
	s.polls++
	if s.polls < m.confirmAfter {
		return Confirmation{State: StatePending}, nil
	}
	if s.block == 0 {
		s.block = m.nextBlock
		m.nextBlock++
	}
	return Confirmation{State: StateConfirmed, TxHash: handle, BlockNumber: s.block}, nil
}

func decodeCommitment(commitment string) ([]byte, error) {
	b, err := hex.DecodeString(trim0x(commitment))
	if err != nil || len(b) != sha256.Size {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommitment, commitment)
	}
	return b, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
