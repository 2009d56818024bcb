package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxConn is the subset of *pgxpool.Pool used by PostgresStore.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore keeps credentials in the credential_records table. Rows past
// expires_at are ignored by every read and removed by Sweep.
type PostgresStore struct {
	DB  PgxConn
	Now func() time.Time
}

// NewPostgresStore returns a store backed by the provided pool.
func NewPostgresStore(db PgxConn) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const (
	selectRecordSQL = `SELECT value FROM credential_records WHERE key = $1 AND expires_at > $2`
	upsertRecordSQL = `INSERT INTO credential_records (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`
	replaceRecordSQL = `UPDATE credential_records SET value = $2, updated_at = now() WHERE key = $1 AND expires_at > $3`
	sweepRecordsSQL  = `DELETE FROM credential_records WHERE key IN (
  SELECT key FROM credential_records WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
)`
)

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.DB == nil {
		return "", errors.New("credstore: database not configured")
	}
	var value string
	err := s.DB.QueryRow(ctx, selectRecordSQL, key, s.now()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credstore: get: %w", err)
	}
	return value, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.PutAll(ctx, []Entry{{Key: key, Value: value}}, ttl)
}

// PutAll implements Store in a single transaction with one computed expires_at.
func (s *PostgresStore) PutAll(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("credstore: database not configured")
	}
	if err := validEntries(entries, ttl); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	expiresAt := s.now().Add(ttl)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("credstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, e := range entries {
		if _, err := tx.Exec(ctx, upsertRecordSQL, e.Key, e.Value, expiresAt); err != nil {
			return fmt.Errorf("credstore: put %q: %w", e.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("credstore: commit: %w", err)
	}
	return nil
}

// Replace implements Store.
func (s *PostgresStore) Replace(ctx context.Context, key, value string) error {
	if s == nil || s.DB == nil {
		return errors.New("credstore: database not configured")
	}
	tag, err := s.DB.Exec(ctx, replaceRecordSQL, key, value, s.now())
	if err != nil {
		return fmt.Errorf("credstore: replace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("credstore: database not configured")
	}
	return s.DB.Ping(ctx)
}

// Sweep deletes up to batch expired rows and returns how many were removed.
func (s *PostgresStore) Sweep(ctx context.Context, batch int) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("credstore: database not configured")
	}
	if batch <= 0 {
		batch = 1000
	}
	tag, err := s.DB.Exec(ctx, sweepRecordsSQL, s.now(), batch)
	if err != nil {
		return 0, fmt.Errorf("credstore: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
