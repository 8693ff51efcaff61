package models

import (
	"time"

	"gorm.io/datatypes"
)

// SharedRoute is the single destination a session leader has shared.
type SharedRoute struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key (UUID).

	SessionID       string         `gorm:"type:varchar(36);not null;uniqueIndex"` // At most one live route per session.
	DestinationLat  float64        `gorm:"not null"`                              // Destination latitude.
	DestinationLng  float64        `gorm:"not null"`                              // Destination longitude.
	DestinationName *string        `gorm:"type:text"`                             // Optional destination label.
	Waypoints       datatypes.JSON `gorm:"type:json"`                             // Optional ordered []Waypoint.
	SharedBy        string         `gorm:"type:varchar(64);not null"`             // Sharing user ID.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Share timestamp.
}

// Waypoint is an intermediate stop on a shared route.
type Waypoint struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}
