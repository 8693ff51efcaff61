// Package participant gates who may ride along in a session.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/profile"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gate manages join requests and their approval.
type Gate struct {
	db       *gorm.DB
	ident    identity.Identity
	notifier realtime.Notifier
	hub      *realtime.Hub
	lookup   profile.Lookup
	nowFn    func() time.Time
}

// NewGate constructs a Gate.
func NewGate(conn *gorm.DB, ident identity.Identity, notifier realtime.Notifier, hub *realtime.Hub, lookup profile.Lookup) *Gate {
	return &Gate{
		db:       conn,
		ident:    ident,
		notifier: notifier,
		hub:      hub,
		lookup:   lookup,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gate) session(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if errFind := g.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("participant: find session: %w", errFind)
	}
	return &session, nil
}

// RequestToJoin records a pending request. Repeating the request returns
// the existing row unchanged, whatever its state.
func (g *Gate) RequestToJoin(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	if _, errAuth := identity.Require(ctx, g.ident); errAuth != nil {
		return nil, errAuth
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Validation("user is required")
	}
	session, errSession := g.session(ctx, sessionID)
	if errSession != nil {
		return nil, errSession
	}
	if !session.IsActive() {
		return nil, apperr.Conflict("session %s is finalized", sessionID)
	}

	row := models.Participant{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		State:          models.ParticipantPending,
		RequestedAt:    g.nowFn(),
		TrackingActive: true,
	}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("participant: request: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		g.notify(sessionID, realtime.KindParticipants)
	}
	return g.find(ctx, "session_id = ? AND user_id = ?", sessionID, userID)
}

func (g *Gate) find(ctx context.Context, query string, args ...any) (*models.Participant, error) {
	var row models.Participant
	if errFind := g.db.WithContext(ctx).Where(query, args...).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("participant not found")
		}
		return nil, fmt.Errorf("participant: find: %w", errFind)
	}
	return &row, nil
}

// Get returns a participant by ID.
func (g *Gate) Get(ctx context.Context, participantID string) (*models.Participant, error) {
	return g.find(ctx, "id = ?", participantID)
}

// Approve moves a pending participant to approved. Approving an approved
// participant returns it unchanged; approving a rejected one conflicts.
func (g *Gate) Approve(ctx context.Context, participantID, approverID string) (*models.Participant, error) {
	return g.decide(ctx, participantID, approverID, models.ParticipantApproved)
}

// Reject moves a pending participant to rejected. Rejecting a rejected
// participant returns it unchanged; rejecting an approved one conflicts.
func (g *Gate) Reject(ctx context.Context, participantID, approverID string) (*models.Participant, error) {
	return g.decide(ctx, participantID, approverID, models.ParticipantRejected)
}

func (g *Gate) decide(ctx context.Context, participantID, approverID, target string) (*models.Participant, error) {
	if _, errAuth := identity.Require(ctx, g.ident); errAuth != nil {
		return nil, errAuth
	}
	row, errFind := g.Get(ctx, participantID)
	if errFind != nil {
		return nil, errFind
	}
	session, errSession := g.session(ctx, row.SessionID)
	if errSession != nil {
		return nil, errSession
	}
	if !session.IsActive() {
		return nil, apperr.Conflict("session %s is finalized", session.ID)
	}

	now := g.nowFn()
	updates := map[string]any{"approval_state": target}
	if target == models.ParticipantApproved {
		updates["approved_at"] = now
		updates["approved_by"] = approverID
	} else {
		updates["rejected_at"] = now
		updates["rejected_by"] = approverID
	}
	res := g.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND approval_state = ?", participantID, models.ParticipantPending).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("participant: %s: %w", target, res.Error)
	}

	current, errReload := g.Get(ctx, participantID)
	if errReload != nil {
		return nil, errReload
	}
	if res.RowsAffected == 0 {
		if current.State == target {
			return current, nil
		}
		return nil, apperr.Conflict("participant is already %s", current.State)
	}

	g.notify(current.SessionID, realtime.KindParticipants, realtime.KindPositions)
	log.WithFields(log.Fields{
		"session_id": current.SessionID,
		"user_id":    current.UserID,
		"actor_id":   approverID,
		"state":      target,
	}).Info("participant decided")
	return current, nil
}

// SetTrackingActive toggles whether the current user shares location.
func (g *Gate) SetTrackingActive(ctx context.Context, sessionID, userID string, active bool) (*models.Participant, error) {
	currentID, errAuth := identity.Require(ctx, g.ident)
	if errAuth != nil {
		return nil, errAuth
	}
	if currentID != userID {
		return nil, apperr.Authorization("riders may only change their own tracking")
	}
	res := g.db.WithContext(ctx).Model(&models.Participant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("tracking_active", active)
	if res.Error != nil {
		return nil, fmt.Errorf("participant: set tracking: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("participant not found")
	}
	g.notify(sessionID, realtime.KindParticipants, realtime.KindPositions)
	return g.find(ctx, "session_id = ? AND user_id = ?", sessionID, userID)
}

// List returns every participant in request order.
func (g *Gate) List(ctx context.Context, sessionID string) ([]models.Participant, error) {
	return g.list(ctx, sessionID, "")
}

// ListApproved returns approved participants in request order.
func (g *Gate) ListApproved(ctx context.Context, sessionID string) ([]models.Participant, error) {
	return g.list(ctx, sessionID, models.ParticipantApproved)
}

// ListPending returns pending participants in request order.
func (g *Gate) ListPending(ctx context.Context, sessionID string) ([]models.Participant, error) {
	return g.list(ctx, sessionID, models.ParticipantPending)
}

func (g *Gate) list(ctx context.Context, sessionID, state string) ([]models.Participant, error) {
	q := g.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if state != "" {
		q = q.Where("approval_state = ?", state)
	}
	var rows []models.Participant
	if errFind := q.Order("requested_at ASC, id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("participant: list: %w", errFind)
	}
	return rows, nil
}

func (g *Gate) notify(sessionID string, kinds ...realtime.Kind) {
	if g.notifier != nil {
		g.notifier.Notify(sessionID, kinds...)
	}
}
