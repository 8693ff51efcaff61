// Package profile resolves rider display details for stream enrichment.
package profile

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/ridecircle/groupride/internal/models"
	"gorm.io/gorm"
)

// DisplayInfo is what live views need to render a rider.
type DisplayInfo struct {
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	MapColor    string  `json:"map_color"`
}

// Lookup returns display info for many users in one call. Unknown users are
// absent from the result.
type Lookup interface {
	DisplayInfo(ctx context.Context, userIDs []string) (map[string]DisplayInfo, error)
}

// palette assigns stable marker colours to riders without a preference.
var palette = []string{
	"#E6194B", "#3CB44B", "#4363D8", "#F58231",
	"#911EB4", "#42D4F4", "#F032E6", "#9A6324",
}

// FallbackColor picks a palette colour derived from userID.
func FallbackColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// GormLookup reads the riders projection table.
type GormLookup struct {
	db *gorm.DB
}

// NewGormLookup creates a lookup backed by db.
func NewGormLookup(db *gorm.DB) *GormLookup {
	return &GormLookup{db: db}
}

// DisplayInfo implements Lookup with a single IN query.
func (l *GormLookup) DisplayInfo(ctx context.Context, userIDs []string) (map[string]DisplayInfo, error) {
	out := make(map[string]DisplayInfo, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var riders []models.Rider
	if errFind := l.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&riders).Error; errFind != nil {
		return nil, fmt.Errorf("profile: lookup riders: %w", errFind)
	}
	for _, rider := range riders {
		info := DisplayInfo{DisplayName: rider.DisplayName, AvatarURL: rider.AvatarURL}
		if rider.MapColor != nil && *rider.MapColor != "" {
			info.MapColor = *rider.MapColor
		} else {
			info.MapColor = FallbackColor(rider.ID)
		}
		out[rider.ID] = info
	}
	return out, nil
}
