package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClaimExactlyOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	claimed, err := s.Claim(ctx, "c1", "sub-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatalf("first Claim returned false")
	}

	claimed, err = s.Claim(ctx, "c1", "sub-1")
	if err != nil {
		t.Fatalf("Claim replay: %v", err)
	}
	if claimed {
		t.Fatalf("replayed Claim returned true")
	}

	// Same submission id in another conversation is an independent key.
	claimed, err = s.Claim(ctx, "c2", "sub-1")
	if err != nil {
		t.Fatalf("Claim other conversation: %v", err)
	}
	if !claimed {
		t.Fatalf("claim in other conversation returned false")
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := s.Claim(ctx, "c1", "sub-1")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if claimed {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("%d claim winners, want exactly 1", got)
	}
}

func TestReleaseReopensClaim(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if claimed, _ := s.Claim(ctx, "c1", "sub-1"); !claimed {
		t.Fatalf("first Claim returned false")
	}
	if err := s.Release(ctx, "c1", "sub-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if claimed, _ := s.Claim(ctx, "c1", "sub-1"); !claimed {
		t.Fatalf("Claim after Release returned false")
	}
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if claimed, _ := s.Claim(ctx, "c1", "sub-1"); !claimed {
		t.Fatalf("first Claim returned false")
	}

	now = now.Add(DefaultTTL - time.Minute)
	if claimed, _ := s.Claim(ctx, "c1", "sub-1"); claimed {
		t.Fatalf("Claim succeeded before TTL expiry")
	}

	now = now.Add(2 * time.Minute)
	if claimed, _ := s.Claim(ctx, "c1", "sub-1"); !claimed {
		t.Fatalf("Claim failed after TTL expiry")
	}
}

func TestClaimValidatesKeyParts(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Claim(ctx, "", "sub-1"); err == nil {
		t.Fatalf("expected error for empty conversation id")
	}
	if _, err := s.Claim(ctx, "c1", " "); err == nil {
		t.Fatalf("expected error for blank submission id")
	}
	if err := s.Release(ctx, "", "sub-1"); err == nil {
		t.Fatalf("expected error for empty conversation id on release")
	}
}
