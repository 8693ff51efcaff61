// Package session starts, finalizes and streams ride sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager owns the session lifecycle.
type Manager struct {
	db       *gorm.DB
	ident    identity.Identity
	notifier realtime.Notifier
	hub      *realtime.Hub
	nowFn    func() time.Time
}

// NewManager constructs a Manager.
func NewManager(conn *gorm.DB, ident identity.Identity, notifier realtime.Notifier, hub *realtime.Hub) *Manager {
	return &Manager{
		db:       conn,
		ident:    ident,
		notifier: notifier,
		hub:      hub,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// StartParams holds inputs for starting a session.
type StartParams struct {
	GroupID     string
	LeaderID    string
	Name        string
	Description *string
	RouteID     *string
}

// Start opens a session led by LeaderID and admits the leader as an
// approved participant in the same transaction.
func (m *Manager) Start(ctx context.Context, params StartParams) (*models.Session, error) {
	if _, errAuth := identity.Require(ctx, m.ident); errAuth != nil {
		return nil, errAuth
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, apperr.Validation("session name is required")
	}
	leaderID := strings.TrimSpace(params.LeaderID)
	if leaderID == "" {
		return nil, apperr.Validation("leader is required")
	}

	var group models.Group
	if errFind := m.db.WithContext(ctx).First(&group, "id = ?", params.GroupID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group %s not found", params.GroupID)
		}
		return nil, fmt.Errorf("session: find group: %w", errFind)
	}
	if !group.Active {
		return nil, apperr.Conflict("group %s is inactive", group.ID)
	}
	var members int64
	errCount := m.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND user_id = ?", group.ID, leaderID).Count(&members).Error
	if errCount != nil {
		return nil, fmt.Errorf("session: check membership: %w", errCount)
	}
	if members == 0 {
		return nil, apperr.Authorization("leader must be a member of the group")
	}

	active, errActive := m.ActiveForUser(ctx, leaderID)
	if errActive != nil {
		return nil, errActive
	}
	if active != nil {
		return nil, apperr.Conflict("leader already has an active session %s", active.ID)
	}

	now := m.nowFn()
	session := models.Session{
		ID:          uuid.NewString(),
		GroupID:     group.ID,
		RouteID:     trimOptional(params.RouteID),
		Name:        name,
		Description: trimOptional(params.Description),
		State:       models.SessionStateActive,
		StartedBy:   leaderID,
		StartTime:   now,
	}
	approver := leaderID
	leader := models.Participant{
		ID:             uuid.NewString(),
		SessionID:      session.ID,
		UserID:         leaderID,
		State:          models.ParticipantApproved,
		RequestedAt:    now,
		ApprovedAt:     &now,
		ApprovedBy:     &approver,
		TrackingActive: true,
	}
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&session).Error; errCreate != nil {
			return errCreate
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"approval_state": models.ParticipantApproved,
				"approved_at":    now,
				"approved_by":    leaderID,
			}),
		}).Create(&leader).Error
	})
	if errTx != nil {
		if db.IsUniqueViolation(errTx) {
			return nil, apperr.Conflict("leader already has an active session")
		}
		return nil, fmt.Errorf("session: start: %w", errTx)
	}

	m.notify(session.ID, realtime.KindSession, realtime.KindParticipants, realtime.KindPositions)
	log.WithFields(log.Fields{"session_id": session.ID, "group_id": group.ID, "leader_id": leaderID}).Info("session started")
	return &session, nil
}

// ActiveForUser returns the active session led by leaderID, or nil.
func (m *Manager) ActiveForUser(ctx context.Context, leaderID string) (*models.Session, error) {
	var session models.Session
	errFind := m.db.WithContext(ctx).
		Where("started_by = ? AND state = ?", leaderID, models.SessionStateActive).
		Take(&session).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: active for user: %w", errFind)
	}
	return &session, nil
}

// Get returns a session by ID.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	session, errFind := m.find(ctx, sessionID)
	if errFind != nil {
		return nil, errFind
	}
	if session == nil {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	return session, nil
}

func (m *Manager) find(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if errFind := m.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: get: %w", errFind)
	}
	return &session, nil
}

// ListActiveByGroup returns the group's active sessions, newest first.
func (m *Manager) ListActiveByGroup(ctx context.Context, groupID string) ([]models.Session, error) {
	var rows []models.Session
	errFind := m.db.WithContext(ctx).
		Where("group_id = ? AND state = ?", groupID, models.SessionStateActive).
		Order("start_time DESC, id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("session: list active: %w", errFind)
	}
	return rows, nil
}

// CanManage reports whether userID leads the session or administers its group.
func (m *Manager) CanManage(ctx context.Context, sessionID, userID string) (bool, error) {
	session, errGet := m.Get(ctx, sessionID)
	if errGet != nil {
		return false, errGet
	}
	return m.canManage(ctx, session, userID)
}

func (m *Manager) canManage(ctx context.Context, session *models.Session, userID string) (bool, error) {
	if session.StartedBy == userID {
		return true, nil
	}
	var admins int64
	errCount := m.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND user_id = ? AND is_admin = ?", session.GroupID, userID, true).
		Count(&admins).Error
	if errCount != nil {
		return false, fmt.Errorf("session: check admin: %w", errCount)
	}
	return admins > 0, nil
}

// Finalize ends the session. Only the leader or a group admin may finalize;
// finalizing twice is a no-op.
func (m *Manager) Finalize(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	if _, errAuth := identity.Require(ctx, m.ident); errAuth != nil {
		return nil, errAuth
	}
	session, errGet := m.Get(ctx, sessionID)
	if errGet != nil {
		return nil, errGet
	}
	allowed, errManage := m.canManage(ctx, session, actorID)
	if errManage != nil {
		return nil, errManage
	}
	if !allowed {
		return nil, apperr.Authorization("only the leader or a group admin may finalize")
	}
	if session.State == models.SessionStateFinalized {
		return session, nil
	}

	now := m.nowFn()
	res := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND state = ?", sessionID, models.SessionStateActive).
		Updates(map[string]any{"state": models.SessionStateFinalized, "end_time": now, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("session: finalize: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.notify(sessionID, realtime.KindSession)
		log.WithFields(log.Fields{"session_id": sessionID, "actor_id": actorID}).Info("session finalized")
	}
	return m.Get(ctx, sessionID)
}

// StreamState emits the session on every change. When the session row
// disappears it emits nil and the stream ends.
func (m *Manager) StreamState(ctx context.Context, sessionID string) (*realtime.Stream[*models.Session], error) {
	return realtime.Watch(ctx, m.hub, realtime.WatchSpec[*models.Session]{
		Name:      "session",
		SessionID: sessionID,
		Kinds:     []realtime.Kind{realtime.KindSession},
		Load: func(ctx context.Context) (*models.Session, error) {
			return m.find(ctx, sessionID)
		},
		Same: func(prev, next *models.Session) bool {
			return prev != nil && next != nil &&
				prev.State == next.State && prev.UpdatedAt.Equal(next.UpdatedAt)
		},
		Terminal: func(s *models.Session) bool { return s == nil },
	})
}

func (m *Manager) notify(sessionID string, kinds ...realtime.Kind) {
	if m.notifier != nil {
		m.notifier.Notify(sessionID, kinds...)
	}
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
