// Package lock implements a token-owned mutual exclusion lock on the shared
// store. Ownership is proven by token equality, never by key presence.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserhub/internal/store"
)

var (
	// ErrTimeout is returned when the lock could not be taken within MaxWait
	ErrTimeout = errors.New("lock: timed out waiting for lock")

	// ErrAlreadyExists is returned when, while waiting, the resource the lock
	// guards was finished by another holder. Callers should re-read instead.
	ErrAlreadyExists = errors.New("lock: guarded resource already exists")
)

// Config holds lock timing. TTL must outlive the guarded operation.
type Config struct {
	TTL          time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
}

// DefaultConfig sizes the lock for remote browser provisioning
func DefaultConfig() Config {
	return Config{
		TTL:          60 * time.Second,
		MaxWait:      30 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// DoneFunc reports whether the guarded resource already exists
type DoneFunc func(ctx context.Context) (bool, error)

// Locker hands out and reclaims lock tokens
type Locker struct {
	store *store.Client
	cfg   Config
}

// New creates a Locker on top of the shared store
func New(s *store.Client, cfg Config) *Locker {
	return &Locker{store: s, cfg: cfg}
}

// NewToken returns a fresh token for owner
func NewToken(owner string) string {
	return owner + ":" + uuid.NewString()
}

// Acquire polls until key is taken, MaxWait elapses, or done reports that
// someone else already built the resource.
func (l *Locker) Acquire(ctx context.Context, key, owner string, done DoneFunc) (string, error) {
	token := NewToken(owner)
	deadline := time.Now().Add(l.cfg.MaxWait)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.store.SetNX(ctx, key, token, l.cfg.TTL)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		if done != nil {
			exists, err := done(ctx)
			if err != nil {
				return "", err
			}
			if exists {
				return "", ErrAlreadyExists
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, key, l.cfg.MaxWait)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryAcquire makes a single attempt with a caller-chosen TTL
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	token := NewToken(owner)
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release deletes the lock only if token still owns it. A stale token is a no-op.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	return l.store.CompareAndDelete(ctx, key, token)
}

// Refresh extends the lock while token still owns it
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.store.CompareAndExpire(ctx, key, token, ttl)
}
