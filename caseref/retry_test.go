package caseref

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		year int
		seq  int
		want string
	}{
		{2026, 1, "C-2026-0001"},
		{2026, 42, "C-2026-0042"},
		{2026, 9999, "C-2026-9999"},
		{2026, 10000, "C-2026-10000"},
		{2027, 1, "C-2027-0001"},
	}
	for _, tc := range cases {
		if got := Format(tc.year, tc.seq); got != tc.want {
			t.Errorf("Format(%d, %d) = %q, want %q", tc.year, tc.seq, got, tc.want)
		}
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_RetriesOnlyCollisions(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected non-collision errors to abort immediately, got %d calls", calls)
	}
}

func TestRetry_RecoversAfterCollision(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return ErrReferenceCollision
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrReferenceCollision
	})
	if !errors.Is(err, ErrReferenceCollision) {
		t.Fatalf("expected collision error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 5, time.Second, func() error {
		calls++
		return ErrReferenceCollision
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}
