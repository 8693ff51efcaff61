package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("session: start: %w", Conflict("leader %s already has an active session", "u1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if Kind(err) != ErrConflict {
		t.Fatalf("expected kind conflict, got %v", Kind(err))
	}
	if got := err.Error(); got != "session: start: leader u1 already has an active session" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKindNilForInfrastructureErrors(t *testing.T) {
	if kind := Kind(errors.New("disk full")); kind != nil {
		t.Fatalf("expected nil kind, got %v", kind)
	}
}

func TestEmptyMessageFallsBackToKind(t *testing.T) {
	err := &Error{Kind: ErrNotFound}
	if err.Error() != "not found" {
		t.Fatalf("expected kind text, got %q", err.Error())
	}
}
