package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaults(t *testing.T) {
	l := ratelimit.New(nil)
	if l.Window() != 60*time.Second {
		t.Errorf("Window() = %v, want 60s", l.Window())
	}
	if l.Max() != 10 {
		t.Errorf("Max() = %d, want 10", l.Max())
	}
}

func TestTenPerMinuteThenReset(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithClock(clock.Now))
	ctx := context.Background()
	key := ratelimit.ActionKey("acct-1", "203.0.113.7")

	for i := 1; i <= 10; i++ {
		res, err := l.Check(ctx, key)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d rejected", i)
		}
		if res.Remaining != 10-i {
			t.Errorf("call %d: Remaining = %d, want %d", i, res.Remaining, 10-i)
		}
	}

	clock.Advance(20 * time.Second)
	err := l.Allow(ctx, key)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("11th call: err = %v, want ErrRateLimited", err)
	}
	rle, ok := ratelimit.AsError(err)
	if !ok {
		t.Fatalf("11th call: %T is not *ratelimit.Error", err)
	}
	if rle.RetryAfter() != 40*time.Second {
		t.Errorf("RetryAfter() = %v, want 40s", rle.RetryAfter())
	}
	if rle.Error() != "too many requests, wait 40 seconds" {
		t.Errorf("Error() = %q", rle.Error())
	}

	clock.Advance(41 * time.Second)
	if err := l.Allow(ctx, key); err != nil {
		t.Fatalf("12th call after window: %v", err)
	}
}

func TestRejectedCallsDoNotCount(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.New(nil, ratelimit.WithMax(2), ratelimit.WithWindow(time.Minute), ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for range 2 {
		if err := l.Allow(ctx, "k"); err != nil {
			t.Fatal(err)
		}
	}
	for range 5 {
		res, err := l.Check(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed || res.Remaining != 0 {
			t.Fatalf("got %+v, want rejected with 0 remaining", res)
		}
	}

	clock.Advance(time.Minute)
	res, err := l.Check(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("after reset got %+v, want allowed with 1 remaining", res)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := ratelimit.New(nil, ratelimit.WithMax(1))
	ctx := context.Background()

	if err := l.Allow(ctx, ratelimit.ActionKey("a", "ip")); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(ctx, ratelimit.PurchaseKey("a", "ip")); err != nil {
		t.Fatalf("purchase key shares window with action key: %v", err)
	}
	if err := l.Allow(ctx, ratelimit.ActionKey("b", "ip")); err != nil {
		t.Fatalf("second account shares window: %v", err)
	}
}

func TestConcurrentCallsNeverExceedMax(t *testing.T) {
	l := ratelimit.New(nil, ratelimit.WithMax(10))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "hot") == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Fatalf("allowed = %d, want 10", allowed.Load())
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, int, time.Duration, time.Time) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("connection refused")
}

func (failingStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

func TestStoreFailureFailsOpen(t *testing.T) {
	l := ratelimit.New(failingStore{}, ratelimit.WithMax(1))
	ctx := context.Background()

	for i := range 3 {
		if err := l.Allow(ctx, "k"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestPurge(t *testing.T) {
	clock := newFakeClock()
	store := ratelimit.NewMemoryStore()
	l := ratelimit.New(store, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	_ = l.Allow(ctx, "a")
	_ = l.Allow(ctx, "b")
	clock.Advance(30 * time.Second)
	_ = l.Allow(ctx, "c")

	clock.Advance(31 * time.Second)
	n, err := l.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestStartStop(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	l := ratelimit.New(store,
		ratelimit.WithWindow(time.Millisecond),
		ratelimit.WithPurgeInterval(5*time.Millisecond),
	)
	ctx := context.Background()
	_ = l.Allow(ctx, "a")

	l.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	l.Stop()
	l.Stop()

	if store.Len() != 0 {
		t.Fatalf("janitor left %d windows", store.Len())
	}
}
