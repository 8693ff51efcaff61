package db

import (
	"fmt"

	"github.com/ridecircle/groupride/internal/models"
	"gorm.io/gorm"
)

// ActiveLeaderIndex enforces one active session per leader.
const ActiveLeaderIndex = "idx_ride_sessions_active_leader"

// schemaModels lists every table the service owns.
func schemaModels() []any {
	return []any{
		&models.Group{},
		&models.Membership{},
		&models.Session{},
		&models.Participant{},
		&models.LocationPing{},
		&models.SharedRoute{},
		&models.Rider{},
	}
}

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(schemaModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// Both dialects support partial unique indexes with the same syntax.
	if errIdx := conn.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS ` + ActiveLeaderIndex + `
		ON ride_sessions (started_by)
		WHERE state = 'active'
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create index %s: %w", ActiveLeaderIndex, errIdx)
	}
	if errIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memberships_group_joined
		ON memberships (group_id, joined_at)
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create index idx_memberships_group_joined: %w", errIdx)
	}
	return nil
}
