// Package credstore persists session credentials in a key-value store with
// per-key expiry. Expired keys are indistinguishable from absent ones.
package credstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("credstore: key not found")

// Entry is a single key/value pair written by PutAll.
type Entry struct {
	Key   string
	Value string
}

// Store is the contract every credential backend implements.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Put writes value under key expiring after ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// PutAll writes every entry atomically with one shared expiry instant.
	PutAll(ctx context.Context, entries []Entry, ttl time.Duration) error
	// Replace overwrites an existing, unexpired key without changing its expiry.
	// It returns ErrNotFound when the key is absent.
	Replace(ctx context.Context, key, value string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

func validEntries(entries []Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("credstore: ttl must be positive")
	}
	for _, e := range entries {
		if e.Key == "" {
			return errors.New("credstore: empty key")
		}
	}
	return nil
}
