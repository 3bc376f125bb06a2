package jobs

import (
	"context"
	"errors"
	"testing"

	"CoralRush/internal/aggregate"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/orchestrator"
)

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := &Job{ID: "j1", Input: orchestrator.Input{Text: "hello", Audio: []byte{1, 2}}, Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, job); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("running job cannot be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j1", xerrors.CodeTimeout, "slow", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, _ := store.Get(ctx, "j1")
	if retry.Status != StatusPending || retry.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("non-terminal failure should return to pending, got %+v", retry)
	}
	if _, err := store.Claim(ctx, "j1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "j1", xerrors.CodeTimeout, "slow", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted after max attempts, got %v", err)
	}
}

func TestMemoryStoreSucceededAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Job{ID: id, Status: StatusPending, MaxRetries: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.MarkSucceeded(ctx, "b", aggregate.Response{SessionID: "s-b", OverallSuccess: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "b"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	done, err := store.List(ctx, BuildListOptions(WithStatuses(StatusSucceeded)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 1 || done[0].SessionID != "s-b" || done[0].Response == nil {
		t.Fatalf("unexpected list %+v", done)
	}
	all, _ := store.List(ctx, BuildListOptions(WithLimit(2)))
	if len(all) != 2 {
		t.Fatalf("limit not applied: %d", len(all))
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
