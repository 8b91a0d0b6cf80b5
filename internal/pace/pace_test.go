package pace

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireWithinBurst(t *testing.T) {
	p := New("test", Config{Rate: 1, Burst: 3, Concurrency: 10})

	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		lease.Release(OutcomeOK)
	}
}

func TestConcurrencyGate(t *testing.T) {
	p := New("test", Config{Rate: 1000, Burst: 1000, Concurrency: 2})

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2", got)
	}

	// The third caller blocks until a slot frees.
	acquired := make(chan *Lease)
	go func() {
		l, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked Acquire failed: %v", err)
		}
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire succeeded while at the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release(OutcomeOK)
	select {
	case l3 := <-acquired:
		l3.Release(OutcomeOK)
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after a release")
	}
	l2.Release(OutcomeOK)
}

func TestCancelledWaiterConsumesNothing(t *testing.T) {
	p := New("test", Config{Rate: 1000, Burst: 1000, Concurrency: 1})

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Acquire returned %v, want context.Canceled", err)
	}

	// The slot freed by l1 must go to a fresh caller, not be lost to the
	// cancelled waiter.
	l1.Release(OutcomeOK)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	l2, err := p.Acquire(ctx2)
	if err != nil {
		t.Fatalf("Acquire after cancellation: %v", err)
	}
	l2.Release(OutcomeOK)
}

func TestRateLimitPenaltyAndFloor(t *testing.T) {
	p := New("test", Config{Rate: 8, Burst: 100, Concurrency: 10, MinRate: 1, Penalty: 0.5, Cooldown: time.Hour})

	for i := 0; i < 5; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		lease.Release(OutcomeRateLimited)
	}

	// 8 → 4 → 2 → 1, then clamped at the floor.
	if got := p.Rate(); got != 1 {
		t.Errorf("Rate() = %v after repeated rate limits, want floor 1", got)
	}
	if got := p.RateLimitCount(); got != 5 {
		t.Errorf("RateLimitCount() = %d, want 5", got)
	}
}

func TestErrorOutcomeDoesNotAdapt(t *testing.T) {
	p := New("test", Config{Rate: 8, Burst: 100, Concurrency: 10})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release(OutcomeError)
	if got := p.Rate(); got != 8 {
		t.Errorf("Rate() = %v after plain error, want 8", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New("test", Config{Rate: 1000, Burst: 1000, Concurrency: 1})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release(OutcomeOK)
	lease.Release(OutcomeOK)
	if got := p.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after double release, want 0", got)
	}
}

func TestSetSharesPacerPerProvider(t *testing.T) {
	s := NewSet(Config{}, map[string]Config{"openai": {Rate: 2}})
	if s.For("openai") != s.For("openai") {
		t.Error("same provider returned distinct pacers")
	}
	if s.For("openai") == s.For("anthropic") {
		t.Error("distinct providers share a pacer")
	}
	if got := len(s.All()); got != 2 {
		t.Errorf("All() has %d pacers, want 2", got)
	}
}
