package property

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PGStore is a Store backed by postgres. The properties table is the source
// of truth for registration status; see migrations/ for the schema.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a PGStore on the given pool.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, code string) (Property, error) {
	var p Property
	err := s.db.QueryRow(ctx, `
		select code, registration_status, coalesce(tx_ref, ''), coalesce(last_error, ''), updated_at
		  from properties
		 where code = $1`, code,
	).Scan(&p.Code, &p.Status, &p.TxRef, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Property{}, ErrNotFound
	}
	if err != nil {
		return Property{}, errors.Wrapf(err, "get property %s", code)
	}
	return p, nil
}

// EnsurePending implements Store.
func (s *PGStore) EnsurePending(ctx context.Context, code string) error {
	_, err := s.db.Exec(ctx, `
		insert into properties (code, registration_status)
		values ($1, 'PENDING')
		on conflict (code) do update
		   set registration_status = 'PENDING',
		       tx_ref = null,
		       last_error = null,
		       updated_at = now()
		 where properties.registration_status <> 'REGISTERED'`, code)
	return errors.Wrapf(err, "ensure pending %s", code)
}

// MarkRegistered implements Store. The conditional update makes duplicate
// deliveries and lease races harmless: only the first writer wins, and a
// terminal status is never overwritten.
func (s *PGStore) MarkRegistered(ctx context.Context, code, txRef string) error {
	tag, err := s.db.Exec(ctx, `
		update properties
		   set registration_status = 'REGISTERED',
		       tx_ref = $2,
		       last_error = null,
		       updated_at = now()
		 where code = $1
		   and registration_status = 'PENDING'`, code, txRef)
	if err != nil {
		return errors.Wrapf(err, "mark registered %s", code)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, code)
	}
	return nil
}

// MarkFailed implements Store.
func (s *PGStore) MarkFailed(ctx context.Context, code, reason string) error {
	tag, err := s.db.Exec(ctx, `
		update properties
		   set registration_status = 'REGISTRATION_FAILED',
		       last_error = $2,
		       updated_at = now()
		 where code = $1
		   and registration_status <> 'REGISTERED'`, code, reason)
	if err != nil {
		return errors.Wrapf(err, "mark failed %s", code)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, code)
	}
	return nil
}

// ensureExists distinguishes "condition not met" from "no such property".
func (s *PGStore) ensureExists(ctx context.Context, code string) error {
	var one int
	err := s.db.QueryRow(ctx, `select 1 from properties where code = $1`, code).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrapf(err, "lookup property %s", code)
}
