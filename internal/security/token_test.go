package security

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseRiderToken(t *testing.T) {
	token, err := IssueRiderToken("secret", "rider-42", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseRiderToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "rider-42" {
		t.Fatalf("expected rider-42, got %q", claims.UserID())
	}
}

func TestParseRiderTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueRiderToken("secret", "rider-42", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err = ParseRiderToken("other", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseRiderTokenRejectsExpired(t *testing.T) {
	token, err := IssueRiderToken("secret", "rider-42", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err = ParseRiderToken("secret", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestIssueRiderTokenRequiresSecret(t *testing.T) {
	if _, err := IssueRiderToken(" ", "rider", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestGenerateRandomString(t *testing.T) {
	value, err := GenerateRandomString(16)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(value) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(value))
	}
}
