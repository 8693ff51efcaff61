package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/ridecircle/groupride/internal/apperr"
)

func TestContextIdentityRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), " rider-1 ")
	userID, err := Require(ctx, ContextIdentity{})
	if err != nil {
		t.Fatalf("require: %v", err)
	}
	if userID != "rider-1" {
		t.Fatalf("expected rider-1, got %q", userID)
	}
}

func TestRequireWithoutIdentity(t *testing.T) {
	_, err := Require(context.Background(), ContextIdentity{})
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	_, err = Require(context.Background(), Static(""))
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication error for anonymous static, got %v", err)
	}
}
