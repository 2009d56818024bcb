// Package session owns the lifecycle of paid session credentials: minting after a
// confirmed payment, exchanging a checkout id for its token, and authorizing
// analysis requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lookscan-api/internal/credstore"
)

var (
	// ErrInvalidSession is returned for unknown, malformed or expired tokens.
	ErrInvalidSession = errors.New("session: invalid or expired")
	// ErrSessionUsed is returned when a single-use token has already been consumed.
	ErrSessionUsed = errors.New("session: already used")
	// ErrPaymentNotFound is returned when no credential exists for a checkout yet.
	ErrPaymentNotFound = errors.New("session: payment not found")
)

// Locker serializes work on a key across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service coordinates session records through the credential store.
type Service struct {
	Store     credstore.Store
	TTL       time.Duration
	SingleUse bool
	// Locker is optional; without it minting and consumption run unserialized.
	Locker  Locker
	LockTTL time.Duration
	Now     func() time.Time
	Rand    io.Reader
	Logger  zerolog.Logger
}

// MintResult describes the credential bound to a checkout.
type MintResult struct {
	Token   string
	Record  Record
	Created bool
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.Locker.WithLock(ctx, key, ttl, fn)
}

// Mint binds a fresh credential to checkoutID. Redelivery for a checkout that
// already holds a live credential returns that credential unchanged.
func (s *Service) Mint(ctx context.Context, checkoutID, customerEmail string) (MintResult, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return MintResult{}, errors.New("session: checkout id required")
	}
	if s.Store == nil {
		return MintResult{}, errors.New("session: store not configured")
	}
	var out MintResult
	err := s.withLock(ctx, "mint:"+checkoutID, func(ctx context.Context) error {
		token, rec, err := s.Lookup(ctx, checkoutID)
		switch {
		case err == nil && rec != nil:
			out = MintResult{Token: token, Record: *rec}
			return nil
		case err != nil && !errors.Is(err, ErrPaymentNotFound):
			return err
		}

		token, err = NewToken(s.Rand)
		if err != nil {
			return err
		}
		record := Record{
			CheckoutID:    checkoutID,
			CustomerEmail: strings.TrimSpace(customerEmail),
			CreatedAt:     s.now().UnixMilli(),
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		entries := []credstore.Entry{
			{Key: token, Value: string(payload)},
			{Key: CheckoutKey(checkoutID), Value: token},
		}
		if err := s.Store.PutAll(ctx, entries, s.TTL); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		out = MintResult{Token: token, Record: record, Created: true}
		return nil
	})
	if err != nil {
		return MintResult{}, err
	}
	return out, nil
}

// Lookup resolves the token indexed for checkoutID. The record is nil when the
// index outlived its session record.
func (s *Service) Lookup(ctx context.Context, checkoutID string) (string, *Record, error) {
	token, err := s.Store.Get(ctx, CheckoutKey(checkoutID))
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil, ErrPaymentNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("read checkout index: %w", err)
	}
	rec, err := s.Resolve(ctx, token)
	if errors.Is(err, ErrInvalidSession) {
		return token, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return token, &rec, nil
}

// Resolve loads the record stored under token.
func (s *Service) Resolve(ctx context.Context, token string) (Record, error) {
	if !ValidToken(token) {
		return Record{}, ErrInvalidSession
	}
	raw, err := s.Store.Get(ctx, token)
	if errors.Is(err, credstore.ErrNotFound) {
		return Record{}, ErrInvalidSession
	}
	if err != nil {
		return Record{}, fmt.Errorf("read session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.Logger.Warn().Err(err).Msg("discarding undecodable session record")
		return Record{}, ErrInvalidSession
	}
	return rec, nil
}

// Authorize validates token for an analysis request and records its use time.
// The record keeps the expiry it was minted with.
func (s *Service) Authorize(ctx context.Context, token string) (Record, error) {
	rec, err := s.Resolve(ctx, token)
	if err != nil {
		return Record{}, err
	}
	if s.SingleUse && rec.Used {
		return Record{}, ErrSessionUsed
	}
	rec.LastUsed = s.now().UnixMilli()
	if err := s.replace(ctx, token, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkUsed flags the session as consumed.
func (s *Service) MarkUsed(ctx context.Context, token string) error {
	rec, err := s.Resolve(ctx, token)
	if err != nil {
		return err
	}
	rec.Used = true
	return s.replace(ctx, token, rec)
}

// WithSessionLock runs fn while holding the per-token lock.
func (s *Service) WithSessionLock(ctx context.Context, token string, fn func(context.Context) error) error {
	return s.withLock(ctx, "session:"+token, fn)
}

func (s *Service) replace(ctx context.Context, token string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = s.Store.Replace(ctx, token, string(payload))
	if errors.Is(err, credstore.ErrNotFound) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}
