package models

import "time"

// LocationPing is one GPS fix reported by a rider. Rows are append-only.
type LocationPing struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Insertion order, breaks recorded_at ties.

	SessionID      string    `gorm:"type:varchar(36);not null;index:idx_location_pings_latest,priority:1"` // Session ID.
	UserID         string    `gorm:"type:varchar(64);not null;index:idx_location_pings_latest,priority:2"` // Rider user ID.
	Lat            float64   `gorm:"not null"`                                                             // WGS84 latitude.
	Lng            float64   `gorm:"not null"`                                                             // WGS84 longitude.
	Speed          *float64                                                                               // km/h.
	Heading        *float64                                                                               // Degrees from north.
	Altitude       *float64                                                                               // Meters.
	AccuracyMeters *float64                                                                               // Horizontal accuracy.
	RecordedAt     time.Time `gorm:"not null;index:idx_location_pings_latest,priority:3"`                  // Device timestamp (UTC).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Server receive timestamp.
}
