package resolver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBreakerHalfOpenAdmitsSingleCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() || !b.Open() {
		t.Fatalf("breaker should be open after reaching the threshold")
	}

	now = now.Add(time.Minute)
	if b.Open() {
		t.Fatalf("breaker should accept a trial call once the cooldown elapsed")
	}
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Fatalf("half-open breaker must admit exactly one caller, admitted %d", admitted.Load())
	}
	if !b.Open() {
		t.Fatalf("breaker should reject others while the trial call is in flight")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("failed trial call should restart the cooldown")
	}
	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatalf("expected a new trial call after the second cooldown")
	}
	b.RecordSuccess()
	if !b.Allow() || !b.Allow() || b.Open() {
		t.Fatalf("successful trial call should close the breaker")
	}
}

func TestBreakerReleaseReturnsTrialSlot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(time.Second)
	if !b.Allow() {
		t.Fatalf("expected trial call")
	}
	if b.Allow() {
		t.Fatalf("second caller must wait for the trial outcome")
	}
	b.Release()
	if !b.Allow() {
		t.Fatalf("released trial slot should be available again")
	}
}
