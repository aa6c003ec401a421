// Package lock implements the time-bounded editing lease on a storyboard.
//
// Expiry is a passive predicate evaluated against a wall-clock reading at
// every acquire and write check; there is no background sweeper. Mutual
// exclusion rests on the store's conditional single-row update: two
// concurrent acquires cannot both match.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned when a different user holds an unexpired lease.
// Callers surface it as a conflict and retry later; nothing retries here.
var ErrLocked = errors.New("locked by another user")

// Store is the conditional-update surface the manager needs.
type Store interface {
	TryAcquireLock(ctx context.Context, storyboardID, userID string, now, cutoff time.Time) (bool, error)
	ReleaseLock(ctx context.Context, storyboardID, userID string, now time.Time) error
}

// Active reports whether a lease is still in force at now. An expired lock is
// equivalent to no lock.
func Active(holder string, acquiredAt *time.Time, now time.Time, ttl time.Duration) bool {
	if holder == "" || acquiredAt == nil {
		return false
	}
	return now.Sub(*acquiredAt) < ttl
}

// HeldByOther reports whether an unexpired lease belongs to someone other
// than userID. This is the write-path check: expiry is re-evaluated here
// rather than trusting a client-held lease.
func HeldByOther(holder string, acquiredAt *time.Time, userID string, now time.Time, ttl time.Duration) bool {
	return Active(holder, acquiredAt, now, ttl) && holder != userID
}

type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// WithClock overrides the manager's clock. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes or refreshes the lease. It succeeds when the storyboard is
// unlocked, its lease has expired, or userID already holds it (re-entrant,
// resetting acquired-at). The caller has already confirmed the storyboard
// exists, so a zero-row match means a live foreign lease.
func (m *Manager) Acquire(ctx context.Context, storyboardID, userID string) (time.Time, error) {
	now := m.now()
	ok, err := m.store.TryAcquireLock(ctx, storyboardID, userID, now, now.Add(-m.ttl))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrLocked
	}
	return now.Add(m.ttl), nil
}

// Release clears the lease if userID holds it. Releasing an absent, expired,
// or foreign lease is a no-op: the conditional update matches zero rows.
func (m *Manager) Release(ctx context.Context, storyboardID, userID string) error {
	return m.store.ReleaseLock(ctx, storyboardID, userID, m.now())
}
