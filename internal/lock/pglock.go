package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner opens the transaction that scopes an advisory lock. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgLocker serializes work per key with Postgres transaction-level advisory
// locks. It covers deployments that keep credentials in Postgres without Redis.
type PgLocker struct {
	DB           TxBeginner
	Prefix       string
	RetryBackoff time.Duration
	// MaxWait bounds how long WithLock waits for a held lock. Zero waits until ctx is done.
	MaxWait time.Duration
}

// WithLock runs fn while a transaction holds the advisory lock for key. Ending
// the transaction releases the lock. A holder left idle longer than ttl has its
// connection closed by the server, which also releases it.
func (l PgLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.DB == nil {
		return errors.New("lock: postgres pool not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	waitCtx := ctx
	if l.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.MaxWait)
		defer cancel()
	}

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	timeout := strconv.FormatInt(ttl.Milliseconds(), 10)
	if _, err := tx.Exec(ctx, `SELECT set_config('idle_in_transaction_session_timeout', $1, true)`, timeout); err != nil {
		return err
	}

	lockKey := l.Prefix + "lock:" + key
	for {
		var ok bool
		err := tx.QueryRow(waitCtx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, lockKey).Scan(&ok)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return ErrNotAcquired
			}
			return err
		}
		if ok {
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrNotAcquired
		case <-timer.C:
		}
	}
}
