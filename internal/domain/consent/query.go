package consent

import (
	"context"

	"github.com/google/uuid"
)

// QueryService is the read-only view of the store served to the UI. It has
// no write capability and no cache.
type QueryService struct {
	store Store
}

// NewQueryService returns a read-only view of store.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// Page is one page of a consent listing.
type Page struct {
	Items    []*Consent
	Total    int
	Page     int
	PageSize int
}

// List returns one page of consents matching f, newest first.
func (q *QueryService) List(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidRequest
	}
	items, total, err := q.store.List(ctx, f, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (q *QueryService) Get(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return q.store.Get(ctx, id)
}

func (q *QueryService) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	return q.store.History(ctx, id)
}

func (q *QueryService) Stats(ctx context.Context) (Stats, error) {
	return q.store.CountByStatus(ctx)
}
