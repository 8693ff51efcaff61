package location

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/ratelimit"
	"github.com/ridecircle/groupride/internal/realtime"
	"github.com/ridecircle/groupride/internal/ridetest"
	"gorm.io/gorm"
)

type fixture struct {
	conn       *gorm.DB
	service    *Service
	dispatcher *realtime.Dispatcher
	session    models.Session
	fx         *ridetest.Fixtures
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := ridetest.OpenDB(t)
	dispatcher, hub := ridetest.Realtime(t)
	fx := ridetest.NewFixtures(t, conn)
	group := fx.CreateGroup("Coast", "leader", "rider")
	return fixture{
		conn:       conn,
		service:    NewService(conn, identity.ContextIdentity{}, dispatcher, hub, nil),
		dispatcher: dispatcher,
		session:    fx.CreateSession(group.ID, "leader"),
		fx:         fx,
	}
}

func as(userID string) context.Context {
	return identity.WithUserID(context.Background(), userID)
}

func at(sec int) *time.Time {
	ts := time.Date(2026, 5, 1, 9, 0, sec, 0, time.UTC)
	return &ts
}

func (f fixture) ingest(t *testing.T, userID string, lat float64, recordedAt *time.Time) {
	t.Helper()
	if _, err := f.service.Ingest(as(userID), f.session.ID, userID, Ping{Lat: lat, Lng: -74, RecordedAt: recordedAt}); err != nil {
		t.Fatalf("ingest for %s: %v", userID, err)
	}
}

func TestCurrentPositionsLatestRecordedAtWins(t *testing.T) {
	for _, order := range [][]int{{10, 20}, {20, 10}} {
		f := newFixture(t)
		for _, sec := range order {
			f.ingest(t, "leader", float64(sec)/10, at(sec))
		}
		positions, err := f.service.CurrentPositions(context.Background(), f.session.ID)
		if err != nil {
			t.Fatalf("current positions: %v", err)
		}
		if len(positions) != 1 || positions[0].Lat != 2 {
			t.Fatalf("order %v: expected lat 2, got %+v", order, positions)
		}
	}
}

func TestCurrentPositionsTieBreaksOnInsertionOrder(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "leader", 1, at(30))
	f.ingest(t, "leader", 2, at(30))
	f.ingest(t, "rider", 5, at(5))

	positions, err := f.service.CurrentPositions(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("current positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected one position per rider, got %+v", positions)
	}
	if positions[0].UserID != "leader" || positions[0].Lat != 2 {
		t.Fatalf("expected later insertion to win the tie, got %+v", positions[0])
	}
	if positions[1].UserID != "rider" {
		t.Fatalf("expected results ordered by user, got %+v", positions)
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	negative := -1.0
	badHeading := 400.0
	nan := math.NaN()
	cases := []Ping{
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
		{Lat: nan, Lng: 0},
		{Lat: 0, Lng: 0, Speed: &negative},
		{Lat: 0, Lng: 0, Accuracy: &negative},
		{Lat: 0, Lng: 0, Heading: &badHeading},
		{Lat: 0, Lng: 0, Altitude: &nan},
	}
	for i, ping := range cases {
		if _, err := f.service.Ingest(as("leader"), f.session.ID, "leader", ping); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	positions, _ := f.service.CurrentPositions(context.Background(), f.session.ID)
	if len(positions) != 0 {
		t.Fatalf("expected nothing stored, got %+v", positions)
	}
}

func TestIngestPreconditions(t *testing.T) {
	f := newFixture(t)
	ping := Ping{Lat: 10, Lng: -74}
	if _, err := f.service.Ingest(context.Background(), f.session.ID, "leader", ping); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if _, err := f.service.Ingest(as("rider"), f.session.ID, "leader", ping); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := f.service.Ingest(as("leader"), "missing", "leader", ping); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	errUpdate := f.conn.Model(&models.Session{}).Where("id = ?", f.session.ID).
		Update("state", models.SessionStateFinalized).Error
	if errUpdate != nil {
		t.Fatalf("finalize: %v", errUpdate)
	}
	if _, err := f.service.Ingest(as("leader"), f.session.ID, "leader", ping); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for finalized session, got %v", err)
	}
}

func TestIngestDefaultsRecordedAtAndNotifies(t *testing.T) {
	f := newFixture(t)
	notes := &ridetest.Notifications{}
	f.service.notifier = notes
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.service.nowFn = func() time.Time { return fixed }

	speed := KmhFromMetersPerSecond(10)
	row, err := f.service.Ingest(as("leader"), f.session.ID, "leader", Ping{Lat: 1, Lng: 2, Speed: &speed})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !row.RecordedAt.Equal(fixed) {
		t.Fatalf("expected server time, got %s", row.RecordedAt)
	}
	if row.Speed == nil || *row.Speed != 36 {
		t.Fatalf("expected 36 km/h, got %v", row.Speed)
	}
	if !notes.Has(f.session.ID, realtime.KindPositions) {
		t.Fatalf("expected positions notification")
	}
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.service.limiter = ratelimit.NewManager(
		ratelimit.StaticSettings(ratelimit.SettingsConfig{Limit: 1, Window: time.Minute}),
		func() time.Time { return now },
		nil,
	)
	ping := Ping{Lat: 1, Lng: 1}
	if _, err := f.service.Ingest(as("leader"), f.session.ID, "leader", ping); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := f.service.Ingest(as("leader"), f.session.ID, "leader", ping); !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	f.fx.AddParticipant(f.session.ID, "rider", models.ParticipantApproved)
	if _, err := f.service.Ingest(as("rider"), f.session.ID, "rider", ping); err != nil {
		t.Fatalf("expected independent budget per rider, got %v", err)
	}
}

func waitFor(t *testing.T, stream *realtime.Stream[[]Position], match func([]Position) bool) []Position {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case positions, ok := <-stream.C():
			if !ok {
				t.Fatalf("stream closed early")
			}
			if match(positions) {
				return positions
			}
		case <-deadline:
			t.Fatalf("timed out waiting for positions")
		}
	}
}

func users(positions []Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.UserID)
	}
	return out
}

func onlyUsers(want ...string) func([]Position) bool {
	return func(positions []Position) bool {
		got := users(positions)
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
}

func TestStreamPositionsGatesOnApproval(t *testing.T) {
	f := newFixture(t)
	pending := f.fx.AddParticipant(f.session.ID, "rider", models.ParticipantPending)
	f.ingest(t, "leader", 1, at(10))
	f.ingest(t, "rider", 2, at(10))

	stream, err := f.service.StreamPositions(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()

	waitFor(t, stream, onlyUsers("leader"))

	setState := func(state string) {
		t.Helper()
		if errUpdate := f.conn.Model(&models.Participant{}).Where("id = ?", pending.ID).
			Update("approval_state", state).Error; errUpdate != nil {
			t.Fatalf("update participant: %v", errUpdate)
		}
		f.dispatcher.Notify(f.session.ID, realtime.KindParticipants)
	}

	setState(models.ParticipantApproved)
	waitFor(t, stream, onlyUsers("leader", "rider"))

	f.ingest(t, "rider", 3, at(20))
	latest := waitFor(t, stream, func(positions []Position) bool {
		return len(positions) == 2 && positions[1].Lat == 3
	})
	if latest[0].Lat != 1 {
		t.Fatalf("expected leader unchanged, got %+v", latest[0])
	}

	setState(models.ParticipantRejected)
	waitFor(t, stream, onlyUsers("leader"))

	if errUpdate := f.conn.Model(&models.Participant{}).
		Where("session_id = ? AND user_id = ?", f.session.ID, "leader").
		Update("tracking_active", false).Error; errUpdate != nil {
		t.Fatalf("stop tracking: %v", errUpdate)
	}
	f.dispatcher.Notify(f.session.ID, realtime.KindParticipants)
	waitFor(t, stream, onlyUsers())

	all, err := f.service.CurrentPositions(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("current positions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected history kept for gated riders, got %+v", all)
	}
}
