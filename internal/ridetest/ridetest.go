// Package ridetest provides database and collaborator fixtures for tests.
package ridetest

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/profile"
	"github.com/ridecircle/groupride/internal/realtime"
	"gorm.io/gorm"
)

// OpenDB returns a migrated SQLite database under t.TempDir().
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "groupride.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err = db.Migrate(conn); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// Realtime wires a memory bus, dispatcher and hub that are torn down with t.
func Realtime(t *testing.T) (*realtime.Dispatcher, *realtime.Hub) {
	t.Helper()
	bus := realtime.NewMemoryBus(0)
	dispatcher := realtime.NewDispatcher(bus, 0)
	t.Cleanup(func() {
		dispatcher.Close()
		_ = bus.Close()
	})
	return dispatcher, realtime.NewHub(bus)
}

// Fixtures inserts rows directly, bypassing service rules.
type Fixtures struct {
	db *gorm.DB
	t  *testing.T
}

// NewFixtures creates fixtures bound to conn.
func NewFixtures(t *testing.T, conn *gorm.DB) *Fixtures {
	t.Helper()
	return &Fixtures{db: conn, t: t}
}

// CreateGroup inserts an active group owned by creator, who becomes admin.
// Additional members join as regular members.
func (f *Fixtures) CreateGroup(name, creator string, members ...string) models.Group {
	f.t.Helper()
	group := models.Group{
		ID:         uuid.NewString(),
		Name:       name,
		InviteCode: uuid.NewString()[:6],
		CreatedBy:  creator,
		Active:     true,
	}
	if err := f.db.Create(&group).Error; err != nil {
		f.t.Fatalf("failed to create test group: %v", err)
	}
	f.AddMember(group.ID, creator, true)
	for _, member := range members {
		f.AddMember(group.ID, member, false)
	}
	return group
}

// AddMember inserts a membership row.
func (f *Fixtures) AddMember(groupID, userID string, admin bool) {
	f.t.Helper()
	membership := models.Membership{GroupID: groupID, UserID: userID, IsAdmin: admin, JoinedAt: time.Now().UTC()}
	if err := f.db.Create(&membership).Error; err != nil {
		f.t.Fatalf("failed to add member: %v", err)
	}
}

// CreateRider inserts a profile projection row.
func (f *Fixtures) CreateRider(id, displayName string) models.Rider {
	f.t.Helper()
	rider := models.Rider{ID: id, DisplayName: displayName}
	if err := f.db.Create(&rider).Error; err != nil {
		f.t.Fatalf("failed to create rider: %v", err)
	}
	return rider
}

// CreateSession inserts an active session led by leader together with the
// leader's approved participant row.
func (f *Fixtures) CreateSession(groupID, leader string) models.Session {
	f.t.Helper()
	now := time.Now().UTC()
	session := models.Session{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Name:      "ride",
		State:     models.SessionStateActive,
		StartedBy: leader,
		StartTime: now,
	}
	if err := f.db.Create(&session).Error; err != nil {
		f.t.Fatalf("failed to create session: %v", err)
	}
	f.AddParticipant(session.ID, leader, models.ParticipantApproved)
	return session
}

// AddParticipant inserts a participant row in the given approval state.
func (f *Fixtures) AddParticipant(sessionID, userID, state string) models.Participant {
	f.t.Helper()
	row := models.Participant{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		State:          state,
		RequestedAt:    time.Now().UTC(),
		TrackingActive: true,
	}
	if err := f.db.Create(&row).Error; err != nil {
		f.t.Fatalf("failed to add participant: %v", err)
	}
	return row
}

// CountingLookup records how many batch lookups were issued.
type CountingLookup struct {
	Next  profile.Lookup
	calls atomic.Int64
}

// DisplayInfo implements profile.Lookup.
func (c *CountingLookup) DisplayInfo(ctx context.Context, userIDs []string) (map[string]profile.DisplayInfo, error) {
	c.calls.Add(1)
	return c.Next.DisplayInfo(ctx, userIDs)
}

// Calls returns the number of lookups so far.
func (c *CountingLookup) Calls() int64 { return c.calls.Load() }

// Notifications records Notify calls instead of publishing them.
type Notifications struct {
	mu     sync.Mutex
	events []realtime.Event
}

// Notify implements realtime.Notifier.
func (n *Notifications) Notify(sessionID string, kinds ...realtime.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, kind := range kinds {
		n.events = append(n.events, realtime.Event{SessionID: sessionID, Kind: kind})
	}
}

// Has reports whether kind was notified for sessionID.
func (n *Notifications) Has(sessionID string, kind realtime.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.SessionID == sessionID && ev.Kind == kind {
			return true
		}
	}
	return false
}

// Reset forgets recorded notifications.
func (n *Notifications) Reset() {
	n.mu.Lock()
	n.events = nil
	n.mu.Unlock()
}
