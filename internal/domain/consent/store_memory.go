package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consent/internal/platform/signature"
	"github.com/ehr/consent/pkg/pagination"
)

// MemoryStore is a mutex-guarded Store used in development and tests. The
// lock is held only for the duration of a single store call.
type MemoryStore struct {
	mu       sync.RWMutex
	consents map[uuid.UUID]*Consent
	events   map[uuid.UUID][]*Event
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consents: make(map[uuid.UUID]*Consent),
		events:   make(map[uuid.UUID][]*Event),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := signature.NormalizeAddress(c.WalletAddress)
	for _, existing := range s.consents {
		if existing.Status == StatusRevoked {
			continue
		}
		if existing.PatientID == c.PatientID && existing.Purpose == c.Purpose &&
			signature.NormalizeAddress(existing.WalletAddress) == wallet {
			return ErrDuplicateConsent
		}
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := s.consents[c.ID]; ok {
		return ErrDuplicateConsent
	}
	now := s.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.consents[c.ID] = c.clone()
	s.events[c.ID] = append(s.events[c.ID], &Event{
		ID:        uuid.New(),
		ConsentID: c.ID,
		Kind:      EventCreated,
		ToStatus:  c.Status,
		Version:   1,
		CreatedAt: now,
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, page, pageSize int) ([]*Consent, int, error) {
	if err := pagination.Validate(page, pageSize); err != nil {
		return nil, 0, ErrInvalidPagination
	}

	s.mu.RLock()
	matched := make([]*Consent, 0, len(s.consents))
	for _, c := range s.consents {
		if f.PatientID != "" && c.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		matched = append(matched, c.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	total := len(matched)
	p := pagination.Params{Page: page, PageSize: pageSize}
	start := p.Offset()
	if start >= total {
		return []*Consent{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id uuid.UUID, expectedVersion int, newStatus Status, extra Extra) (*Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	from := cur.Status
	next := cur.clone()
	if newStatus != "" {
		next.Status = newStatus
	}
	applyExtra(next, extra)
	next.Version++
	next.UpdatedAt = s.now()
	s.consents[id] = next

	kind := extra.EventKind
	if kind == "" {
		kind = EventTransition
	}
	s.events[id] = append(s.events[id], &Event{
		ID:         uuid.New(),
		ConsentID:  id,
		Kind:       kind,
		FromStatus: &from,
		ToStatus:   next.Status,
		Version:    next.Version,
		Detail:     extra.EventDetail,
		CreatedAt:  next.UpdatedAt,
	})
	return next.clone(), nil
}

func applyExtra(c *Consent, extra Extra) {
	if extra.TransitionID != uuid.Nil {
		id := extra.TransitionID
		c.LastTransitionID = &id
	}
	if extra.AnchorStatus != AnchorNone {
		c.AnchorStatus = extra.AnchorStatus
	}
	if extra.AnchorHandle != nil {
		c.AnchorHandle = cloneString(extra.AnchorHandle)
	}
	if extra.AnchorError != nil {
		c.AnchorError = cloneString(extra.AnchorError)
	}
	if extra.AnchoringFailed != nil {
		c.AnchoringFailed = *extra.AnchoringFailed
	}
	if extra.BlockchainTxHash != nil && c.BlockchainTxHash == nil {
		c.BlockchainTxHash = cloneString(extra.BlockchainTxHash)
		if extra.BlockNumber != nil {
			n := *extra.BlockNumber
			c.BlockNumber = &n
		}
	}
}

func (s *MemoryStore) CountByStatus(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, c := range s.consents {
		st.Total++
		switch c.Status {
		case StatusPending:
			st.Pending++
		case StatusActive:
			st.Active++
		case StatusRevoked:
			st.Revoked++
		}
		if c.BlockchainTxHash != nil {
			st.Anchored++
		}
		if c.AnchoringFailed {
			st.AnchoringFailed++
		}
	}
	return st, nil
}

func (s *MemoryStore) ListAnchorOutstanding(_ context.Context, limit int) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Consent
	for _, c := range s.consents {
		if !c.AnchorStatus.Outstanding() {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, id uuid.UUID) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.consents[id]; !ok {
		return nil, ErrNotFound
	}
	events := s.events[id]
	out := make([]*Event, len(events))
	for i, e := range events {
		ev := *e
		out[i] = &ev
	}
	return out, nil
}
