package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memLockStore mimics the store's conditional single-row update semantics.
type memLockStore struct {
	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
}

func (s *memLockStore) TryAcquireLock(_ context.Context, _, userID string, now, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == "" || s.holder == userID || !s.acquiredAt.After(cutoff) {
		s.holder = userID
		s.acquiredAt = now
		return true, nil
	}
	return false, nil
}

func (s *memLockStore) ReleaseLock(_ context.Context, _, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == userID {
		s.holder = ""
		s.acquiredAt = time.Time{}
	}
	return nil
}

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func TestAcquireMutualExclusion(t *testing.T) {
	store := &memLockStore{}
	clock, _ := testClock(time.Unix(1000, 0))
	m := NewManager(store, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "sb_1", "alice"); err != nil {
		t.Fatalf("alice acquire failed: %v", err)
	}

	if _, err := m.Acquire(ctx, "sb_1", "bob"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for bob, got %v", err)
	}
}

func TestAcquireIsReentrant(t *testing.T) {
	store := &memLockStore{}
	clock, advance := testClock(time.Unix(1000, 0))
	m := NewManager(store, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "sb_1", "alice")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	advance(2 * time.Minute)

	second, err := m.Acquire(ctx, "sb_1", "alice")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if !second.After(first) {
		t.Errorf("re-acquire should refresh expiry: first=%v second=%v", first, second)
	}
}

func TestExpiredLockAllowsTakeover(t *testing.T) {
	store := &memLockStore{}
	clock, advance := testClock(time.Unix(1000, 0))
	ttl := 5 * time.Minute
	m := NewManager(store, ttl).WithClock(clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "sb_1", "alice"); err != nil {
		t.Fatalf("alice acquire failed: %v", err)
	}

	advance(ttl - time.Second)
	if _, err := m.Acquire(ctx, "sb_1", "bob"); !errors.Is(err, ErrLocked) {
		t.Fatalf("lock should still be active just before TTL, got %v", err)
	}

	advance(2 * time.Second)
	if _, err := m.Acquire(ctx, "sb_1", "bob"); err != nil {
		t.Fatalf("bob takeover after expiry failed: %v", err)
	}
}

func TestReleaseThenAcquire(t *testing.T) {
	store := &memLockStore{}
	clock, _ := testClock(time.Unix(1000, 0))
	m := NewManager(store, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "sb_1", "alice"); err != nil {
		t.Fatalf("alice acquire failed: %v", err)
	}
	if err := m.Release(ctx, "sb_1", "alice"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "sb_1", "bob"); err != nil {
		t.Fatalf("bob acquire after release failed: %v", err)
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	store := &memLockStore{}
	clock, _ := testClock(time.Unix(1000, 0))
	m := NewManager(store, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "sb_1", "alice"); err != nil {
		t.Fatalf("alice acquire failed: %v", err)
	}
	if err := m.Release(ctx, "sb_1", "bob"); err != nil {
		t.Fatalf("non-holder release should be silent, got %v", err)
	}
	if _, err := m.Acquire(ctx, "sb_1", "carol"); !errors.Is(err, ErrLocked) {
		t.Fatalf("alice's lock should survive bob's release, got %v", err)
	}
}

func TestReleaseWithoutLockIsNoop(t *testing.T) {
	store := &memLockStore{}
	m := NewManager(store, 5*time.Minute)
	if err := m.Release(context.Background(), "sb_1", "alice"); err != nil {
		t.Fatalf("release on unlocked storyboard failed: %v", err)
	}
}

func TestActivePredicate(t *testing.T) {
	ttl := 5 * time.Minute
	now := time.Unix(10000, 0)
	acquired := now.Add(-time.Minute)
	expired := now.Add(-ttl)

	if !Active("alice", &acquired, now, ttl) {
		t.Error("recent lock should be active")
	}
	if Active("alice", &expired, now, ttl) {
		t.Error("lock at exactly TTL age should be expired")
	}
	if Active("", nil, now, ttl) {
		t.Error("absent lock should be inactive")
	}
	if Active("alice", nil, now, ttl) {
		t.Error("holder without acquired-at should be inactive")
	}
}

func TestHeldByOther(t *testing.T) {
	ttl := 5 * time.Minute
	now := time.Unix(10000, 0)
	acquired := now.Add(-time.Minute)
	expired := now.Add(-ttl - time.Second)

	if !HeldByOther("alice", &acquired, "bob", now, ttl) {
		t.Error("bob should be blocked by alice's active lock")
	}
	if HeldByOther("alice", &acquired, "alice", now, ttl) {
		t.Error("alice is not blocked by her own lock")
	}
	if HeldByOther("alice", &expired, "bob", now, ttl) {
		t.Error("an expired lock blocks nobody")
	}
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	store := &memLockStore{}
	clock, _ := testClock(time.Unix(1000, 0))
	m := NewManager(store, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Acquire(ctx, "sb_1", userName(i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrLocked) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func userName(i int) string {
	return string(rune('a'+i)) + "-user"
}
