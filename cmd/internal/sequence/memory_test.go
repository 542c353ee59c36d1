package sequence

import (
	"context"
	"sync"
	"testing"
)

func TestNextStartsAtZeroPerConversation(t *testing.T) {
	t.Parallel()

	s := NewMemorySequencer()
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		got, err := s.Next(ctx, "c1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next(c1)=%d, want %d", got, want)
		}
	}

	// A second conversation has its own counter.
	got, err := s.Next(ctx, "c2")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 0 {
		t.Fatalf("Next(c2)=%d, want 0", got)
	}
}

func TestNextRejectsEmptyConversation(t *testing.T) {
	t.Parallel()

	s := NewMemorySequencer()
	if _, err := s.Next(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank conversation id")
	}
}

func TestNextConcurrentAllocationsAreUnique(t *testing.T) {
	t.Parallel()

	s := NewMemorySequencer()
	ctx := context.Background()

	const workers = 32
	const perWorker = 25

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				n, err := s.Next(ctx, "c1")
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				mu.Lock()
				if seen[n] {
					t.Errorf("position %d allocated twice", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("allocated %d unique positions, want %d", len(seen), workers*perWorker)
	}
	for n := uint64(0); n < workers*perWorker; n++ {
		if !seen[n] {
			t.Fatalf("position %d never allocated", n)
		}
	}
}
