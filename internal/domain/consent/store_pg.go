package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// PGStore is the Postgres Store. Duplicate detection relies on the
// consent_live_uniq partial index.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const consentCols = `id, patient_id, purpose, wallet_address, signature, message_version,
	status, blockchain_tx_hash, block_number, anchor_status, anchor_handle, anchor_error,
	anchoring_failed, last_transition_id, version, created_at, updated_at`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	var purpose, status, anchor string
	err := row.Scan(&c.ID, &c.PatientID, &purpose, &c.WalletAddress, &c.Signature, &c.MessageVersion,
		&status, &c.BlockchainTxHash, &c.BlockNumber, &anchor, &c.AnchorHandle, &c.AnchorError,
		&c.AnchoringFailed, &c.LastTransitionID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Purpose = Purpose(purpose)
	c.Status = Status(status)
	c.AnchorStatus = AnchorStatus(anchor)
	return &c, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func insertEvent(ctx context.Context, q queryable, e *Event) error {
	var from *string
	if e.FromStatus != nil {
		s := string(*e.FromStatus)
		from = &s
	}
	_, err := q.Exec(ctx, `
		INSERT INTO consent_event (id, consent_id, kind, from_status, to_status, version, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.ConsentID, string(e.Kind), from, string(e.ToStatus), e.Version, e.Detail, e.CreatedAt)
	return err
}

func (s *PGStore) Create(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO consent (id, patient_id, purpose, wallet_address, signature, message_version,
				status, anchor_status, anchor_error, anchoring_failed, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)
			RETURNING version, created_at, updated_at`,
			c.ID, c.PatientID, string(c.Purpose), c.WalletAddress, c.Signature, c.MessageVersion,
			string(c.Status), string(c.AnchorStatus), c.AnchorError, c.AnchoringFailed,
		).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, &Event{
			ID:        uuid.New(),
			ConsentID: c.ID,
			Kind:      EventCreated,
			ToStatus:  c.Status,
			Version:   c.Version,
			CreatedAt: c.CreatedAt,
		})
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateConsent
		}
		return unavailable("create consent", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c, err := scanConsent(s.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM consent WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get consent", err)
	}
	return c, nil
}

func (s *PGStore) List(ctx context.Context, f Filter, page, pageSize int) ([]*Consent, int, error) {
	if err := pagination.Validate(page, pageSize); err != nil {
		return nil, 0, ErrInvalidPagination
	}

	var where []string
	var args []interface{}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent`+clause, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count consents", err)
	}

	p := pagination.Params{Page: page, PageSize: pageSize}
	dataArgs := append(append([]interface{}{}, args...), pageSize, p.Offset())
	rows, err := s.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM consent%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		consentCols, clause, len(args)+1, len(args)+2), dataArgs...)
	if err != nil {
		return nil, 0, unavailable("list consents", err)
	}
	defer rows.Close()

	items := make([]*Consent, 0, pageSize)
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, 0, unavailable("scan consent", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list consents", err)
	}
	return items, total, nil
}

func (s *PGStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expectedVersion int, newStatus Status, extra Extra) (*Consent, error) {
	var out *Consent
	err := db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var from string
		err := tx.QueryRow(ctx, `SELECT status FROM consent WHERE id = $1 AND version = $2`, id, expectedVersion).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consent WHERE id = $1)`, id).Scan(&exists); err != nil {
				return unavailable("check consent", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		if err != nil {
			return unavailable("read consent", err)
		}

		var status, anchor *string
		if newStatus != "" {
			v := string(newStatus)
			status = &v
		}
		if extra.AnchorStatus != AnchorNone {
			v := string(extra.AnchorStatus)
			anchor = &v
		}
		var transitionID *uuid.UUID
		if extra.TransitionID != uuid.Nil {
			transitionID = &extra.TransitionID
		}

		c, err := scanConsent(tx.QueryRow(ctx, `
			UPDATE consent SET
				status             = COALESCE($3, status),
				anchor_status      = COALESCE($4, anchor_status),
				anchor_handle      = COALESCE($5, anchor_handle),
				anchor_error       = COALESCE($6, anchor_error),
				anchoring_failed   = COALESCE($7, anchoring_failed),
				block_number       = CASE WHEN blockchain_tx_hash IS NULL AND $8::text IS NOT NULL THEN $9 ELSE block_number END,
				blockchain_tx_hash = COALESCE(blockchain_tx_hash, $8),
				last_transition_id = COALESCE($10, last_transition_id),
				version            = version + 1,
				updated_at         = NOW()
			WHERE id = $1 AND version = $2
			RETURNING `+consentCols,
			id, expectedVersion, status, anchor, extra.AnchorHandle, extra.AnchorError,
			extra.AnchoringFailed, extra.BlockchainTxHash, extra.BlockNumber, transitionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		if err != nil {
			return unavailable("update consent", err)
		}

		kind := extra.EventKind
		if kind == "" {
			kind = EventTransition
		}
		fromStatus := Status(from)
		if err := insertEvent(ctx, tx, &Event{
			ID:         uuid.New(),
			ConsentID:  id,
			Kind:       kind,
			FromStatus: &fromStatus,
			ToStatus:   c.Status,
			Version:    c.Version,
			Detail:     extra.EventDetail,
			CreatedAt:  c.UpdatedAt,
		}); err != nil {
			return unavailable("insert consent event", err)
		}
		out = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, unavailable("compare and swap", err)
	}
	return out, nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'revoked'),
			COUNT(*) FILTER (WHERE blockchain_tx_hash IS NOT NULL),
			COUNT(*) FILTER (WHERE anchoring_failed)
		FROM consent`).Scan(&st.Total, &st.Pending, &st.Active, &st.Revoked, &st.Anchored, &st.AnchoringFailed)
	if err != nil {
		return Stats{}, unavailable("count consents", err)
	}
	return st, nil
}

func (s *PGStore) ListAnchorOutstanding(ctx context.Context, limit int) ([]*Consent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+consentCols+` FROM consent
		WHERE anchor_status IN ('queued', 'submitted')
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable("list outstanding anchors", err)
	}
	defer rows.Close()

	var out []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, unavailable("scan consent", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list outstanding anchors", err)
	}
	return out, nil
}

func (s *PGStore) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, consent_id, kind, from_status, to_status, version, detail, created_at
		FROM consent_event WHERE consent_id = $1 ORDER BY version, created_at`, id)
	if err != nil {
		return nil, unavailable("list consent events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var kind, to string
		var from *string
		if err := rows.Scan(&e.ID, &e.ConsentID, &kind, &from, &to, &e.Version, &e.Detail, &e.CreatedAt); err != nil {
			return nil, unavailable("scan consent event", err)
		}
		e.Kind = EventKind(kind)
		e.ToStatus = Status(to)
		if from != nil {
			fs := Status(*from)
			e.FromStatus = &fs
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list consent events", err)
	}
	return out, nil
}
