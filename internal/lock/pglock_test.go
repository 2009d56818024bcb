package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/lock"
)

// advisoryDB emulates pg_try_advisory_xact_lock across transactions.
type advisoryDB struct {
	mu       sync.Mutex
	held     map[string]bool
	timeouts []string
	beginErr error
	open     int
}

func newAdvisoryDB() *advisoryDB { return &advisoryDB{held: map[string]bool{}} }

func (d *advisoryDB) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	return &advisoryTx{db: d}, nil
}

type advisoryTx struct {
	pgx.Tx
	db   *advisoryDB
	keys []string
	done bool
}

func (tx *advisoryTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.timeouts = append(tx.db.timeouts, args[0].(string))
	return pgconn.CommandTag{}, nil
}

func (tx *advisoryTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	key := args[0].(string)
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.held[key] {
		return boolRow(false)
	}
	tx.db.held[key] = true
	tx.keys = append(tx.keys, key)
	return boolRow(true)
}

func (tx *advisoryTx) Rollback(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.open--
	for _, k := range tx.keys {
		delete(tx.db.held, k)
	}
	return nil
}

type boolRow bool

func (b boolRow) Scan(dest ...any) error {
	*dest[0].(*bool) = bool(b)
	return nil
}

func TestPgLockerRunsAndReleases(t *testing.T) {
	db := newAdvisoryDB()
	locker := lock.PgLocker{DB: db, Prefix: "app:"}

	require.NoError(t, locker.WithLock(context.Background(), "session:abc", 2*time.Second, func(context.Context) error {
		db.mu.Lock()
		defer db.mu.Unlock()
		require.True(t, db.held["app:lock:session:abc"])
		return nil
	}))
	require.Empty(t, db.held)
	require.Zero(t, db.open)
	require.Equal(t, []string{"2000"}, db.timeouts)
}

func TestPgLockerMaxWait(t *testing.T) {
	db := newAdvisoryDB()
	db.held["lock:session:abc"] = true

	locker := lock.PgLocker{DB: db, RetryBackoff: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}
	called := false
	err := locker.WithLock(context.Background(), "session:abc", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
	require.Zero(t, db.open)
}

func TestPgLockerSerializesHolders(t *testing.T) {
	db := newAdvisoryDB()
	locker := lock.PgLocker{DB: db, RetryBackoff: 2 * time.Millisecond}
	ctx := context.Background()

	firstIn := make(chan struct{})
	releaseFirst := make(chan struct{})
	errs := make(chan error, 2)
	var mu sync.Mutex
	var order []string

	go func() {
		errs <- locker.WithLock(ctx, "session:abc", time.Second, func(context.Context) error {
			close(firstIn)
			<-releaseFirst
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			return nil
		})
	}()
	<-firstIn
	go func() {
		errs <- locker.WithLock(ctx, "session:abc", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	close(releaseFirst)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPgLockerPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")

	db := newAdvisoryDB()
	err := lock.PgLocker{DB: db}.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Empty(t, db.held)

	db = newAdvisoryDB()
	db.beginErr = boom
	err = lock.PgLocker{DB: db}.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil })
	require.ErrorIs(t, err, boom)
}
