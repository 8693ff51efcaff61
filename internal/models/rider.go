package models

// Rider is the read-only profile projection maintained by the profile system.
type Rider struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // User ID.

	DisplayName string  `gorm:"type:text;not null"` // Public display name.
	AvatarURL   *string `gorm:"type:text"`          // Optional avatar.
	MapColor    *string `gorm:"type:varchar(16)"`   // Optional preferred marker colour.
}
