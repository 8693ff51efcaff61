// Package sharedroute keeps the single destination a session leader shares
// with the riders.
package sharedroute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxWaypoints = 25
	// shareAttempts bounds retries when a concurrent share takes the slot
	// between our delete and insert.
	shareAttempts = 3
)

// Destination describes a route to share.
type Destination struct {
	Lat       float64
	Lng       float64
	Name      *string
	Waypoints []models.Waypoint
}

// Route is the shared destination as riders see it.
type Route struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	DestinationLat  float64           `json:"destination_lat"`
	DestinationLng  float64           `json:"destination_lng"`
	DestinationName *string           `json:"destination_name,omitempty"`
	Waypoints       []models.Waypoint `json:"waypoints,omitempty"`
	SharedBy        string            `json:"shared_by"`
}

// Coordinator shares, clears and streams a session's route.
type Coordinator struct {
	db       *gorm.DB
	ident    identity.Identity
	notifier realtime.Notifier
	hub      *realtime.Hub
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(conn *gorm.DB, ident identity.Identity, notifier realtime.Notifier, hub *realtime.Hub) *Coordinator {
	return &Coordinator{db: conn, ident: ident, notifier: notifier, hub: hub}
}

// Share replaces whatever route the session has with dest.
func (c *Coordinator) Share(ctx context.Context, sessionID, leaderID string, dest Destination) (*Route, error) {
	if _, errAuth := identity.Require(ctx, c.ident); errAuth != nil {
		return nil, errAuth
	}
	if errValidate := validateDestination(dest); errValidate != nil {
		return nil, errValidate
	}
	session, errSession := c.session(ctx, sessionID)
	if errSession != nil {
		return nil, errSession
	}
	if !session.IsActive() {
		return nil, apperr.Conflict("session %s is finalized", sessionID)
	}

	row := models.SharedRoute{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		DestinationLat:  dest.Lat,
		DestinationLng:  dest.Lng,
		DestinationName: trimOptional(dest.Name),
		SharedBy:        leaderID,
	}
	if len(dest.Waypoints) > 0 {
		raw, errMarshal := json.Marshal(dest.Waypoints)
		if errMarshal != nil {
			return nil, fmt.Errorf("sharedroute: encode waypoints: %w", errMarshal)
		}
		row.Waypoints = datatypes.JSON(raw)
	}
	var errTx error
	for attempt := 0; attempt < shareAttempts; attempt++ {
		errTx = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if errDelete := tx.Where("session_id = ?", sessionID).Delete(&models.SharedRoute{}).Error; errDelete != nil {
				return errDelete
			}
			return tx.Create(&row).Error
		})
		if errTx == nil || !db.IsUniqueViolation(errTx) {
			break
		}
		log.WithFields(log.Fields{"session_id": sessionID, "attempt": attempt + 1}).Debug("route slot taken concurrently, retrying")
	}
	if errTx != nil {
		if db.IsUniqueViolation(errTx) {
			return nil, apperr.Conflict("route for session %s is being replaced concurrently", sessionID)
		}
		return nil, fmt.Errorf("sharedroute: share: %w", errTx)
	}
	c.notify(sessionID)
	log.WithFields(log.Fields{"session_id": sessionID, "shared_by": leaderID}).Info("route shared")
	return toRoute(&row)
}

// Get returns the session's route, or nil when none is shared.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*Route, error) {
	var row models.SharedRoute
	if errFind := c.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("sharedroute: get: %w", errFind)
	}
	return toRoute(&row)
}

// Clear removes the session's route. Clearing an empty slot is a no-op.
func (c *Coordinator) Clear(ctx context.Context, sessionID string) error {
	if _, errAuth := identity.Require(ctx, c.ident); errAuth != nil {
		return errAuth
	}
	if _, errSession := c.session(ctx, sessionID); errSession != nil {
		return errSession
	}
	res := c.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.SharedRoute{})
	if res.Error != nil {
		return fmt.Errorf("sharedroute: clear: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		c.notify(sessionID)
	}
	return nil
}

// Stream emits the current route and then every change. An empty slot is
// emitted as nil; repeated empties are collapsed.
func (c *Coordinator) Stream(ctx context.Context, sessionID string) (*realtime.Stream[*Route], error) {
	return realtime.Watch(ctx, c.hub, realtime.WatchSpec[*Route]{
		Name:      "route",
		SessionID: sessionID,
		Kinds:     []realtime.Kind{realtime.KindRoute},
		Load: func(ctx context.Context) (*Route, error) {
			return c.Get(ctx, sessionID)
		},
		Same: func(prev, next *Route) bool {
			if prev == nil || next == nil {
				return prev == nil && next == nil
			}
			return prev.ID == next.ID
		},
	})
}

func (c *Coordinator) session(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if errFind := c.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("sharedroute: find session: %w", errFind)
	}
	return &session, nil
}

func (c *Coordinator) notify(sessionID string) {
	if c.notifier != nil {
		c.notifier.Notify(sessionID, realtime.KindRoute)
	}
}

func toRoute(row *models.SharedRoute) (*Route, error) {
	route := &Route{
		ID:              row.ID,
		SessionID:       row.SessionID,
		DestinationLat:  row.DestinationLat,
		DestinationLng:  row.DestinationLng,
		DestinationName: row.DestinationName,
		SharedBy:        row.SharedBy,
	}
	if len(row.Waypoints) > 0 && string(row.Waypoints) != "null" {
		if errUnmarshal := json.Unmarshal(row.Waypoints, &route.Waypoints); errUnmarshal != nil {
			return nil, fmt.Errorf("sharedroute: decode waypoints: %w", errUnmarshal)
		}
	}
	return route, nil
}

func validateDestination(dest Destination) error {
	if !validCoordinate(dest.Lat, dest.Lng) {
		return apperr.Validation("destination must be a valid WGS84 coordinate")
	}
	if len(dest.Waypoints) > maxWaypoints {
		return apperr.Validation("at most %d waypoints may be shared", maxWaypoints)
	}
	for i, wp := range dest.Waypoints {
		if !validCoordinate(wp.Lat, wp.Lng) {
			return apperr.Validation("waypoint %d must be a valid WGS84 coordinate", i)
		}
	}
	return nil
}

func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
