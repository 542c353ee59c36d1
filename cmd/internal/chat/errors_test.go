package chat

import (
	"errors"
	"testing"

	"chemchat/cmd/internal/outbox"
)

func TestOpErrorUnwrapsToKind(t *testing.T) {
	t.Parallel()

	e := &OpError{Op: "chat.send", Kind: ErrValidation, Msg: "missing text"}
	if !errors.Is(e, ErrValidation) {
		t.Fatalf("OpError does not unwrap to its kind: %v", e)
	}
	if errors.Is(e, ErrForbidden) {
		t.Fatalf("OpError matched an unrelated kind: %v", e)
	}
}

func TestPermanentKindMatchesDeadLetters(t *testing.T) {
	t.Parallel()

	// Dead-lettered work surfaced by the dispatcher carries the same
	// sentinel the error taxonomy exposes.
	if !errors.Is(outbox.ErrPermanent, ErrPermanent) {
		t.Fatal("permanent kind diverged from the dead-letter sentinel")
	}
	e := &OpError{Op: "outbox.dead_letter", Kind: ErrPermanent}
	if !errors.Is(e, outbox.ErrPermanent) {
		t.Fatalf("wrapped permanent failure does not match: %v", e)
	}
}
