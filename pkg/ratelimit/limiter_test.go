package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryAllowConsumesToken(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	d, err := l.Allow(ctx, "caller-1", 2, 1, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("expected first call allowed, got %+v err=%v", d, err)
	}
	d, err = l.Allow(ctx, "caller-1", 2, 1, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("expected second call allowed, got %+v err=%v", d, err)
	}
	d, err = l.Allow(ctx, "caller-1", 2, 1, 1)
	if err != nil || d.Allowed {
		t.Fatalf("expected third call denied (capacity 2 exhausted), got %+v", d)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after on denial, got %v", d.RetryAfter)
	}
}

func TestInMemoryAllowIsPerKey(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	l.Allow(ctx, "caller-a", 1, 1, 1)
	d, err := l.Allow(ctx, "caller-b", 1, 1, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("expected caller-b to have its own bucket, got %+v err=%v", d, err)
	}
}

func TestInMemoryAllowRefillsOverTime(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	l.Allow(ctx, "caller-1", 1, 1000, 1) // drain the single token
	d, _ := l.Allow(ctx, "caller-1", 1, 1000, 1)
	if d.Allowed {
		t.Fatalf("expected immediate second call to be denied")
	}

	time.Sleep(5 * time.Millisecond)
	d, _ = l.Allow(ctx, "caller-1", 1, 1000, 1)
	if !d.Allowed {
		t.Fatalf("expected refill (rate 1000/s) to allow after 5ms, got %+v", d)
	}
}

func TestInMemoryAllowMultiplierScalesCapacity(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, _ := l.Allow(ctx, "privileged", 2, 0, 2) // multiplier 2.0 -> capacity 4
		if !d.Allowed {
			t.Fatalf("expected call %d to be allowed under multiplier, got %+v", i, d)
		}
	}
	d, _ := l.Allow(ctx, "privileged", 2, 0, 2)
	if d.Allowed {
		t.Fatalf("expected 5th call to be denied once multiplied capacity is exhausted")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.Allow(ctx, "idle-caller", 1, 1, 1)

	evicted := l.Sweep(-time.Second) // everything is "idle" relative to a negative threshold
	if evicted != 1 {
		t.Fatalf("expected 1 bucket evicted, got %d", evicted)
	}
}
