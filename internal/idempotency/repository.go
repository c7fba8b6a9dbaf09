package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps records in the idempotency_records table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key, operation string) (*Record, error) {
	rec := &Record{}
	err := s.db.QueryRowContext(ctx, `
		SELECT key, operation, fingerprint, status, content_type, body, created_at
		FROM idempotency_records
		WHERE key = $1 AND operation = $2
	`, key, operation).Scan(&rec.Key, &rec.Operation, &rec.Fingerprint,
		&rec.Outcome.Status, &rec.Outcome.ContentType, &rec.Outcome.Body, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) (Record, error) {
	body := rec.Outcome.Body
	if body == nil {
		body = []byte{}
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, operation, fingerprint, status, content_type, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key, operation) DO NOTHING
	`, rec.Key, rec.Operation, rec.Fingerprint, rec.Outcome.Status, rec.Outcome.ContentType, body, rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if rowsAffected == 1 {
		return rec, nil
	}

	existing, err := s.Get(ctx, rec.Key, rec.Operation)
	if err != nil {
		return Record{}, err
	}
	if existing == nil {
		return Record{}, errors.New("idempotency record vanished after conflict")
	}
	return *existing, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
