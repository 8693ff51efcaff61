// Package groups manages rider groups, memberships and invite codes.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/invitecode"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxNameLength = 80

// Directory is the group and membership service.
type Directory struct {
	db       *gorm.DB
	ident    identity.Identity
	notifier realtime.Notifier
	nowFn    func() time.Time
}

// NewDirectory constructs a Directory.
func NewDirectory(conn *gorm.DB, ident identity.Identity, notifier realtime.Notifier) *Directory {
	return &Directory{
		db:       conn,
		ident:    ident,
		notifier: notifier,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams holds inputs for group creation.
type CreateParams struct {
	Name        string
	Description *string
	PhotoURL    *string
}

// UpdateParams holds optional group field changes. Nil fields are kept.
type UpdateParams struct {
	Name        *string
	Description *string
	PhotoURL    *string
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", apperr.Validation("name exceeds %d characters", maxNameLength)
	}
	return name, nil
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

// Create makes a new group with the current user as its first admin.
func (d *Directory) Create(ctx context.Context, params CreateParams) (*models.Group, error) {
	userID, errAuth := identity.Require(ctx, d.ident)
	if errAuth != nil {
		return nil, errAuth
	}
	name, errName := normalizeName(params.Name)
	if errName != nil {
		return nil, errName
	}

	for attempt := 0; attempt < invitecode.MaxAttempts; attempt++ {
		code, errCode := invitecode.Generate(ctx, d.codeTaken)
		if errCode != nil {
			return nil, errCode
		}
		now := d.nowFn()
		group := models.Group{
			ID:          uuid.NewString(),
			Name:        name,
			Description: trimOptional(params.Description),
			InviteCode:  code,
			CreatedBy:   userID,
			Active:      true,
			PhotoURL:    trimOptional(params.PhotoURL),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		errTx := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if errCreate := tx.Create(&group).Error; errCreate != nil {
				return errCreate
			}
			return tx.Create(&models.Membership{
				GroupID:  group.ID,
				UserID:   userID,
				IsAdmin:  true,
				JoinedAt: now,
			}).Error
		})
		if errTx == nil {
			log.WithFields(log.Fields{"group_id": group.ID, "user_id": userID}).Info("group created")
			return &group, nil
		}
		if !db.IsUniqueViolation(errTx) {
			return nil, fmt.Errorf("groups: create: %w", errTx)
		}
		// A concurrent create took the same code between check and insert.
	}
	return nil, apperr.Conflict("could not allocate unique code")
}

func (d *Directory) codeTaken(ctx context.Context, code string) (bool, error) {
	var count int64
	if errCount := d.db.WithContext(ctx).Model(&models.Group{}).Where("invite_code = ?", code).Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// JoinByCode adds the current user to the active group owning code.
// Joining a group twice returns the existing membership.
func (d *Directory) JoinByCode(ctx context.Context, code string) (*models.Membership, error) {
	userID, errAuth := identity.Require(ctx, d.ident)
	if errAuth != nil {
		return nil, errAuth
	}
	code = invitecode.Normalize(code)
	if !invitecode.Valid(code) {
		return nil, apperr.Validation("invite code must be %d characters", invitecode.Length)
	}

	var group models.Group
	errFind := d.db.WithContext(ctx).Where("invite_code = ? AND active = ?", code, true).First(&group).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no active group for invite code")
		}
		return nil, fmt.Errorf("groups: find by code: %w", errFind)
	}

	membership := models.Membership{GroupID: group.ID, UserID: userID, JoinedAt: d.nowFn()}
	errCreate := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
	if errCreate != nil {
		return nil, fmt.Errorf("groups: join: %w", errCreate)
	}
	return d.membership(ctx, group.ID, userID)
}

func (d *Directory) membership(ctx context.Context, groupID, userID string) (*models.Membership, error) {
	var membership models.Membership
	errFind := d.db.WithContext(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).First(&membership).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("membership not found")
		}
		return nil, fmt.Errorf("groups: find membership: %w", errFind)
	}
	return &membership, nil
}

// Get returns a group by ID.
func (d *Directory) Get(ctx context.Context, groupID string) (*models.Group, error) {
	var group models.Group
	if errFind := d.db.WithContext(ctx).First(&group, "id = ?", groupID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group %s not found", groupID)
		}
		return nil, fmt.Errorf("groups: get: %w", errFind)
	}
	return &group, nil
}

// ListForUser returns the groups userID belongs to ordered by name.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]models.Group, error) {
	var rows []models.Group
	errFind := d.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.group_id = ride_groups.id").
		Where("memberships.user_id = ?", userID).
		Order("ride_groups.name ASC, ride_groups.id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("groups: list for user: %w", errFind)
	}
	return rows, nil
}

// Members returns the memberships of groupID ordered by join time.
func (d *Directory) Members(ctx context.Context, groupID string) ([]models.Membership, error) {
	var rows []models.Membership
	errFind := d.db.WithContext(ctx).Where("group_id = ?", groupID).Order("joined_at ASC, user_id ASC").Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("groups: members: %w", errFind)
	}
	return rows, nil
}

// IsMember reports whether userID belongs to groupID.
func (d *Directory) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	errCount := d.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("groups: is member: %w", errCount)
	}
	return count > 0, nil
}

// IsAdmin reports whether userID administers groupID.
func (d *Directory) IsAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	errCount := d.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND user_id = ? AND is_admin = ?", groupID, userID, true).Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("groups: is admin: %w", errCount)
	}
	return count > 0, nil
}

// requireAdmin resolves the current user and checks they administer groupID.
func (d *Directory) requireAdmin(ctx context.Context, groupID string) (string, *models.Group, error) {
	userID, errAuth := identity.Require(ctx, d.ident)
	if errAuth != nil {
		return "", nil, errAuth
	}
	group, errGet := d.Get(ctx, groupID)
	if errGet != nil {
		return "", nil, errGet
	}
	admin, errAdmin := d.IsAdmin(ctx, groupID, userID)
	if errAdmin != nil {
		return "", nil, errAdmin
	}
	if !admin {
		return "", nil, apperr.Authorization("only group admins may change the group")
	}
	return userID, group, nil
}
