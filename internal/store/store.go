// Package store is the shared ephemeral key-value store behind the
// blacklist, the one-time-code engine and the rate limiter. Every primitive
// is atomic on a single key; callers never lock.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the store could not be reached or its circuit
	// breaker is open. Callers apply their own fail-open or fall-through
	// policy and never surface it to end users.
	ErrUnavailable = errors.New("shared store unavailable")
	// ErrNotFound means the key does not exist.
	ErrNotFound = errors.New("key not found")
)

// Store is the set of atomic primitives the stateful components rely on.
type Store interface {
	// IncrWindow increments the counter at key. When the counter has no TTL
	// (it was just created) its TTL is set to window. It returns the new
	// count and the remaining TTL.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// SetMaxTTL writes value at key unless the key already exists with a TTL
	// of at least ttl or with no TTL. It never shortens a key's lifetime.
	SetMaxTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key and reports whether this call removed it.
	Delete(ctx context.Context, key string) (bool, error)

	// PutRecord replaces the hash at key with fields and sets its TTL.
	PutRecord(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// IncrField increments an integer field of an existing hash and returns
	// every field as of that increment in one atomic step. It never creates
	// the hash; ErrNotFound means key is absent.
	IncrField(ctx context.Context, key, field string) (map[string]string, error)

	// DeleteIfField removes the hash at key only while field still holds
	// value, and reports whether this call removed it.
	DeleteIfField(ctx context.Context, key, field, value string) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
