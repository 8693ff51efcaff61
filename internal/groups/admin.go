package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/invitecode"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Update renames the group or changes its description or photo.
func (d *Directory) Update(ctx context.Context, groupID string, params UpdateParams) (*models.Group, error) {
	if _, _, errAdmin := d.requireAdmin(ctx, groupID); errAdmin != nil {
		return nil, errAdmin
	}
	updates := map[string]any{"updated_at": d.nowFn()}
	if params.Name != nil {
		name, errName := normalizeName(*params.Name)
		if errName != nil {
			return nil, errName
		}
		updates["name"] = name
	}
	if params.Description != nil {
		updates["description"] = trimOptional(params.Description)
	}
	if params.PhotoURL != nil {
		updates["photo_url"] = trimOptional(params.PhotoURL)
	}
	if errUpdate := d.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", groupID).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("groups: update: %w", errUpdate)
	}
	return d.Get(ctx, groupID)
}

// Deactivate stops the group from accepting joins and new sessions.
func (d *Directory) Deactivate(ctx context.Context, groupID string) error {
	if _, _, errAdmin := d.requireAdmin(ctx, groupID); errAdmin != nil {
		return errAdmin
	}
	errUpdate := d.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", groupID).
		Updates(map[string]any{"active": false, "updated_at": d.nowFn()}).Error
	if errUpdate != nil {
		return fmt.Errorf("groups: deactivate: %w", errUpdate)
	}
	return nil
}

// SetAdmin grants or revokes admin rights for a member. The last admin
// cannot be demoted.
func (d *Directory) SetAdmin(ctx context.Context, groupID, userID string, admin bool) error {
	if _, _, errAdmin := d.requireAdmin(ctx, groupID); errAdmin != nil {
		return errAdmin
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target models.Membership
		errFind := tx.Where("group_id = ? AND user_id = ?", groupID, userID).Take(&target).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user %s is not a member", userID)
			}
			return fmt.Errorf("groups: find member: %w", errFind)
		}
		if target.IsAdmin == admin {
			return nil
		}
		if !admin {
			admins, errCount := countAdmins(tx, groupID)
			if errCount != nil {
				return errCount
			}
			if admins <= 1 {
				return apperr.Conflict("group must keep at least one admin")
			}
		}
		errUpdate := tx.Model(&models.Membership{}).Where("group_id = ? AND user_id = ?", groupID, userID).
			Update("is_admin", admin).Error
		if errUpdate != nil {
			return fmt.Errorf("groups: set admin: %w", errUpdate)
		}
		return nil
	})
}

func countAdmins(tx *gorm.DB, groupID string) (int64, error) {
	var count int64
	if errCount := tx.Model(&models.Membership{}).Where("group_id = ? AND is_admin = ?", groupID, true).Count(&count).Error; errCount != nil {
		return 0, fmt.Errorf("groups: count admins: %w", errCount)
	}
	return count, nil
}

// RegenerateInviteCode replaces the group's invite code.
func (d *Directory) RegenerateInviteCode(ctx context.Context, groupID string) (string, error) {
	if _, _, errAdmin := d.requireAdmin(ctx, groupID); errAdmin != nil {
		return "", errAdmin
	}
	for attempt := 0; attempt < invitecode.MaxAttempts; attempt++ {
		code, errCode := invitecode.Generate(ctx, d.codeTaken)
		if errCode != nil {
			return "", errCode
		}
		errUpdate := d.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", groupID).
			Updates(map[string]any{"invite_code": code, "updated_at": d.nowFn()}).Error
		if errUpdate == nil {
			return code, nil
		}
		if !db.IsUniqueViolation(errUpdate) {
			return "", fmt.Errorf("groups: regenerate code: %w", errUpdate)
		}
	}
	return "", apperr.Conflict("could not allocate unique code")
}

// Leave removes the current user from the group.
func (d *Directory) Leave(ctx context.Context, groupID string) error {
	userID, errAuth := identity.Require(ctx, d.ident)
	if errAuth != nil {
		return errAuth
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var membership models.Membership
		errFind := tx.Where("group_id = ? AND user_id = ?", groupID, userID).Take(&membership).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("not a member of group %s", groupID)
			}
			return fmt.Errorf("groups: find member: %w", errFind)
		}
		if membership.IsAdmin {
			var members int64
			if errCount := tx.Model(&models.Membership{}).Where("group_id = ?", groupID).Count(&members).Error; errCount != nil {
				return fmt.Errorf("groups: count members: %w", errCount)
			}
			admins, errAdmins := countAdmins(tx, groupID)
			if errAdmins != nil {
				return errAdmins
			}
			if admins == 1 && members > 1 {
				return apperr.Conflict("promote another admin before leaving")
			}
		}
		if errDelete := tx.Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&models.Membership{}).Error; errDelete != nil {
			return fmt.Errorf("groups: leave: %w", errDelete)
		}
		return nil
	})
}

// Delete removes the group with its memberships and every session that
// belongs to it, including participants, pings and shared routes.
func (d *Directory) Delete(ctx context.Context, groupID string) error {
	userID, _, errAdmin := d.requireAdmin(ctx, groupID)
	if errAdmin != nil {
		return errAdmin
	}

	var sessionIDs []string
	errTx := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errPluck := tx.Model(&models.Session{}).Where("group_id = ?", groupID).Pluck("id", &sessionIDs).Error; errPluck != nil {
			return errPluck
		}
		if len(sessionIDs) > 0 {
			for _, model := range []any{&models.LocationPing{}, &models.Participant{}, &models.SharedRoute{}} {
				if errDelete := tx.Where("session_id IN ?", sessionIDs).Delete(model).Error; errDelete != nil {
					return errDelete
				}
			}
			if errDelete := tx.Where("id IN ?", sessionIDs).Delete(&models.Session{}).Error; errDelete != nil {
				return errDelete
			}
		}
		if errDelete := tx.Where("group_id = ?", groupID).Delete(&models.Membership{}).Error; errDelete != nil {
			return errDelete
		}
		return tx.Where("id = ?", groupID).Delete(&models.Group{}).Error
	})
	if errTx != nil {
		return fmt.Errorf("groups: delete: %w", errTx)
	}

	if d.notifier != nil {
		for _, sessionID := range sessionIDs {
			d.notifier.Notify(sessionID, realtime.AllKinds...)
		}
	}
	log.WithFields(log.Fields{"group_id": groupID, "user_id": userID, "sessions": len(sessionIDs)}).Info("group deleted")
	return nil
}
