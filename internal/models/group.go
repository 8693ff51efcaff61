package models

import "time"

// Group is a standing community of riders that sessions are started from.
type Group struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key (UUID).

	Name        string  `gorm:"type:text;not null"`                    // Display name.
	Description *string `gorm:"type:text"`                             // Optional description.
	InviteCode  string  `gorm:"type:varchar(16);not null;uniqueIndex"` // Join code shared out of band.
	CreatedBy   string  `gorm:"type:varchar(64);not null;index"`       // Creator user ID.
	Active      bool    `gorm:"not null;default:true"`                 // Inactive groups refuse joins and new sessions.
	PhotoURL    *string `gorm:"type:text"`                             // Optional cover photo.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName avoids the GROUPS window-frame keyword.
func (Group) TableName() string { return "ride_groups" }

// Membership links a rider to a group.
type Membership struct {
	GroupID string `gorm:"type:varchar(36);primaryKey"`       // Group ID.
	UserID  string `gorm:"type:varchar(64);primaryKey;index"` // Member user ID.

	IsAdmin  bool      `gorm:"not null;default:false"` // Admins may manage the group and its sessions.
	JoinedAt time.Time `gorm:"not null"`               // Join timestamp.
}
