// Package location stores rider GPS pings and reduces them to one current
// position per rider.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/metrics"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/ratelimit"
	"github.com/ridecircle/groupride/internal/realtime"
	"gorm.io/gorm"
)

// Limiter throttles ingest per rider key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

// Ping is one reported fix. Speed is km/h.
type Ping struct {
	Lat        float64
	Lng        float64
	Speed      *float64
	Heading    *float64
	Altitude   *float64
	Accuracy   *float64
	RecordedAt *time.Time
}

// Position is the latest known fix for one rider.
type Position struct {
	UserID         string    `json:"user_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Speed          *float64  `json:"speed,omitempty"`
	Heading        *float64  `json:"heading,omitempty"`
	Altitude       *float64  `json:"altitude,omitempty"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`

	pingID uint64
}

// Service ingests pings and serves position views.
type Service struct {
	db       *gorm.DB
	ident    identity.Identity
	notifier realtime.Notifier
	hub      *realtime.Hub
	limiter  Limiter
	nowFn    func() time.Time
}

// NewService constructs a Service. limiter may be nil.
func NewService(conn *gorm.DB, ident identity.Identity, notifier realtime.Notifier, hub *realtime.Hub, limiter Limiter) *Service {
	return &Service{
		db:       conn,
		ident:    ident,
		notifier: notifier,
		hub:      hub,
		limiter:  limiter,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// KmhFromMetersPerSecond converts a device speed in m/s to km/h.
func KmhFromMetersPerSecond(mps float64) float64 {
	return mps * 3.6
}

// Ingest stores one ping for userID. Pings from riders that are not yet
// approved are stored too; the broadcast view filters them out.
func (s *Service) Ingest(ctx context.Context, sessionID, userID string, ping Ping) (*models.LocationPing, error) {
	currentID, errAuth := identity.Require(ctx, s.ident)
	if errAuth != nil {
		return nil, errAuth
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Validation("user is required")
	}
	if currentID != userID {
		return nil, apperr.Authorization("riders may only report their own location")
	}
	if errValidate := validatePing(ping); errValidate != nil {
		metrics.PingsRejected.WithLabelValues("validation").Inc()
		return nil, errValidate
	}

	var session models.Session
	if errFind := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("location: find session: %w", errFind)
	}
	if !session.IsActive() {
		metrics.PingsRejected.WithLabelValues("finalized").Inc()
		return nil, apperr.Conflict("session %s is finalized", sessionID)
	}

	if s.limiter != nil {
		result, errLimit := s.limiter.Allow(ctx, ratelimit.KeyForRider(sessionID, userID))
		if errLimit != nil {
			return nil, fmt.Errorf("location: rate limit: %w", errLimit)
		}
		if !result.Allowed {
			metrics.PingsRejected.WithLabelValues("rate_limited").Inc()
			return nil, apperr.RateLimited("too many pings, retry after %s", result.Reset.Format(time.RFC3339))
		}
	}

	recordedAt := s.nowFn()
	if ping.RecordedAt != nil && !ping.RecordedAt.IsZero() {
		recordedAt = ping.RecordedAt.UTC()
	}
	row := models.LocationPing{
		SessionID:      sessionID,
		UserID:         userID,
		Lat:            ping.Lat,
		Lng:            ping.Lng,
		Speed:          ping.Speed,
		Heading:        ping.Heading,
		Altitude:       ping.Altitude,
		AccuracyMeters: ping.Accuracy,
		RecordedAt:     recordedAt.Truncate(time.Microsecond),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("location: ingest: %w", errCreate)
	}
	metrics.PingsIngested.Inc()
	if s.notifier != nil {
		s.notifier.Notify(sessionID, realtime.KindPositions)
	}
	return &row, nil
}

func validatePing(ping Ping) error {
	if !finite(ping.Lat) || ping.Lat < -90 || ping.Lat > 90 {
		return apperr.Validation("latitude must be within [-90, 90]")
	}
	if !finite(ping.Lng) || ping.Lng < -180 || ping.Lng > 180 {
		return apperr.Validation("longitude must be within [-180, 180]")
	}
	if ping.Speed != nil && (!finite(*ping.Speed) || *ping.Speed < 0) {
		return apperr.Validation("speed must be a non-negative number")
	}
	if ping.Heading != nil && (!finite(*ping.Heading) || *ping.Heading < 0 || *ping.Heading > 360) {
		return apperr.Validation("heading must be within [0, 360]")
	}
	if ping.Altitude != nil && !finite(*ping.Altitude) {
		return apperr.Validation("altitude must be a number")
	}
	if ping.Accuracy != nil && (!finite(*ping.Accuracy) || *ping.Accuracy < 0) {
		return apperr.Validation("accuracy must be a non-negative number")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// latestPingSQL keeps a ping only when no later ping exists for the same
// rider. Equal recorded_at values fall back to insertion order.
const latestPingSQL = `NOT EXISTS (
	SELECT 1 FROM location_pings newer
	WHERE newer.session_id = location_pings.session_id
	  AND newer.user_id = location_pings.user_id
	  AND (newer.recorded_at > location_pings.recorded_at
	       OR (newer.recorded_at = location_pings.recorded_at AND newer.id > location_pings.id))
)`

const broadcastableSQL = `EXISTS (
	SELECT 1 FROM participants pa
	WHERE pa.session_id = location_pings.session_id
	  AND pa.user_id = location_pings.user_id
	  AND pa.approval_state = ?
	  AND pa.tracking_active = ?
)`

// CurrentPositions returns the latest ping of every rider that reported in
// the session, ordered by user ID.
func (s *Service) CurrentPositions(ctx context.Context, sessionID string) ([]Position, error) {
	return s.positions(ctx, sessionID, false)
}

// BroadcastPositions is CurrentPositions restricted to approved riders who
// are tracking.
func (s *Service) BroadcastPositions(ctx context.Context, sessionID string) ([]Position, error) {
	return s.positions(ctx, sessionID, true)
}

func (s *Service) positions(ctx context.Context, sessionID string, broadcastOnly bool) ([]Position, error) {
	q := s.db.WithContext(ctx).Model(&models.LocationPing{}).
		Where("location_pings.session_id = ?", sessionID).
		Where(latestPingSQL)
	if broadcastOnly {
		q = q.Where(broadcastableSQL, models.ParticipantApproved, true)
	}
	var rows []models.LocationPing
	if errFind := q.Order("location_pings.user_id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("location: positions: %w", errFind)
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, Position{
			UserID:         row.UserID,
			Lat:            row.Lat,
			Lng:            row.Lng,
			Speed:          row.Speed,
			Heading:        row.Heading,
			Altitude:       row.Altitude,
			AccuracyMeters: row.AccuracyMeters,
			RecordedAt:     row.RecordedAt,
			pingID:         row.ID,
		})
	}
	return out, nil
}

// StreamPositions re-emits the broadcast view after every ping and every
// participant change in the session.
func (s *Service) StreamPositions(ctx context.Context, sessionID string) (*realtime.Stream[[]Position], error) {
	return realtime.Watch(ctx, s.hub, realtime.WatchSpec[[]Position]{
		Name:      "positions",
		SessionID: sessionID,
		Kinds:     []realtime.Kind{realtime.KindPositions, realtime.KindParticipants},
		Load: func(ctx context.Context) ([]Position, error) {
			return s.BroadcastPositions(ctx, sessionID)
		},
		Same: samePositions,
	})
}

func samePositions(prev, next []Position) bool {
	if prev == nil || len(prev) != len(next) {
		return false
	}
	for i := range prev {
		if prev[i].UserID != next[i].UserID || prev[i].pingID != next[i].pingID {
			return false
		}
	}
	return true
}
