package models

import "time"

// Session lifecycle states.
const (
	SessionStateActive    = "active"
	SessionStateFinalized = "finalized"
)

// Session is one live ride started by a group member.
type Session struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key (UUID).

	GroupID     string     `gorm:"type:varchar(36);not null;index"`     // Owning group.
	RouteID     *string    `gorm:"type:varchar(64)"`                    // Optional planned route reference.
	Name        string     `gorm:"type:text;not null"`                  // Display name.
	Description *string    `gorm:"type:text"`                           // Optional description.
	State       string     `gorm:"type:varchar(16);not null;index"`     // active or finalized.
	StartedBy   string     `gorm:"type:varchar(64);not null;index"`     // Leader user ID.
	StartTime   time.Time  `gorm:"not null"`                            // Start timestamp.
	EndTime     *time.Time                                             // Set when finalized.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName keeps sessions out of the generic "sessions" namespace.
func (Session) TableName() string { return "ride_sessions" }

// IsActive reports whether the session still accepts riders and pings.
func (s *Session) IsActive() bool {
	return s != nil && s.State == SessionStateActive
}
