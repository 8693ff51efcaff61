package db

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/models"
)

func openTestDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ride.db")
}

func TestBuildSQLiteDSN(t *testing.T) {
	dsn := BuildSQLiteDSN("data/ride.db")
	if !strings.HasPrefix(dsn, "file:data/ride.db?") {
		t.Fatalf("expected file prefix, got %q", dsn)
	}
	if !strings.Contains(dsn, "_pragma=foreign_keys(1)") {
		t.Fatalf("expected foreign key pragma, got %q", dsn)
	}
	if got := BuildSQLiteDSN("file:x.db?_pragma=busy_timeout(1)"); got != "file:x.db?_pragma=busy_timeout(1)" {
		t.Fatalf("expected explicit pragmas to be kept, got %q", got)
	}
}

func TestIsPostgresDSN(t *testing.T) {
	cases := map[string]bool{
		"postgres://u:p@localhost/db":         true,
		"postgresql://u@h/db":                 true,
		"host=localhost user=ride dbname=x":   true,
		"file:ride.db":                        false,
		"/var/lib/groupride/groupride.sqlite": false,
	}
	for dsn, want := range cases {
		if got := IsPostgresDSN(dsn); got != want {
			t.Fatalf("IsPostgresDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestMigrateCreatesActiveLeaderIndex(t *testing.T) {
	conn, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err = Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err = Migrate(conn); err != nil {
		t.Fatalf("second migrate should be idempotent: %v", err)
	}

	now := time.Now().UTC()
	first := models.Session{ID: uuid.NewString(), GroupID: "g", Name: "a", State: models.SessionStateActive, StartedBy: "leader", StartTime: now}
	if err = conn.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := models.Session{ID: uuid.NewString(), GroupID: "g", Name: "b", State: models.SessionStateActive, StartedBy: "leader", StartTime: now}
	err = conn.Create(&second).Error
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	if err = conn.Model(&models.Session{}).Where("id = ?", first.ID).Update("state", models.SessionStateFinalized).Error; err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err = conn.Create(&second).Error; err != nil {
		t.Fatalf("expected insert after finalize, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Fatalf("nil must not be a violation")
	}
	if !IsUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "x" (SQLSTATE 23505)`)) {
		t.Fatalf("expected postgres message to match")
	}
	if IsUniqueViolation(errors.New("connection refused")) {
		t.Fatalf("unexpected match")
	}
}
