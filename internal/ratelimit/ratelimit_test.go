package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request err = %v, want ErrRateLimited", err)
	}

	// Other keys are independent.
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	clock.advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("refill should add one token per second, err = %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 2})
	_ = l.Allow("k")
	_ = l.Allow("k")
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_PrunesIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	for i := 0; i < maxBuckets; i++ {
		_ = l.Allow(fmt.Sprintf("caller-%d", i))
	}
	if l.Len() != maxBuckets {
		t.Fatalf("Len = %d", l.Len())
	}

	clock.advance(time.Minute)
	_ = l.Allow("newcomer")
	if l.Len() != 1 {
		t.Errorf("Len after prune = %d, want 1", l.Len())
	}
}
