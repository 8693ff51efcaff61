package profile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/models"
)

func TestGormLookupBatch(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "profile.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err = db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	red := "#FF0000"
	riders := []models.Rider{
		{ID: "ana", DisplayName: "Ana", MapColor: &red},
		{ID: "ben", DisplayName: "Ben"},
	}
	if err = conn.Create(&riders).Error; err != nil {
		t.Fatalf("seed riders: %v", err)
	}

	lookup := NewGormLookup(conn)
	info, err := lookup.DisplayInfo(context.Background(), []string{"ana", "ben", "ghost"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(info) != 2 {
		t.Fatalf("expected 2 riders, got %d", len(info))
	}
	if info["ana"].MapColor != "#FF0000" {
		t.Fatalf("expected preferred colour, got %q", info["ana"].MapColor)
	}
	if info["ben"].MapColor != FallbackColor("ben") {
		t.Fatalf("expected fallback colour, got %q", info["ben"].MapColor)
	}
	if _, ok := info["ghost"]; ok {
		t.Fatalf("unknown riders must be absent")
	}

	empty, err := lookup.DisplayInfo(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty result, got %v %v", empty, err)
	}
}

func TestFallbackColorStable(t *testing.T) {
	if FallbackColor("rider-1") != FallbackColor("rider-1") {
		t.Fatalf("fallback colour must be deterministic")
	}
}
