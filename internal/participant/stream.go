package participant

import (
	"context"
	"time"

	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/profile"
	"github.com/ridecircle/groupride/internal/realtime"
)

// Enriched is a participant joined with the rider's display details.
type Enriched struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	State          string     `json:"approval_state"`
	RequestedAt    time.Time  `json:"requested_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ApprovedBy     *string    `json:"approved_by,omitempty"`
	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
	TrackingActive bool       `json:"tracking_active"`
	DisplayName    string     `json:"display_name"`
	AvatarURL      *string    `json:"avatar_url,omitempty"`
	MapColor       string     `json:"map_color"`
}

// Enrich resolves display details for rows with a single batch lookup.
// Riders unknown to the profile system fall back to their user ID.
func Enrich(ctx context.Context, lookup profile.Lookup, rows []models.Participant) ([]Enriched, error) {
	info := map[string]profile.DisplayInfo{}
	if lookup != nil && len(rows) > 0 {
		userIDs := make([]string, 0, len(rows))
		for _, row := range rows {
			userIDs = append(userIDs, row.UserID)
		}
		var errLookup error
		if info, errLookup = lookup.DisplayInfo(ctx, userIDs); errLookup != nil {
			return nil, errLookup
		}
	}
	out := make([]Enriched, 0, len(rows))
	for _, row := range rows {
		item := Enriched{
			ID:             row.ID,
			SessionID:      row.SessionID,
			UserID:         row.UserID,
			State:          row.State,
			RequestedAt:    row.RequestedAt,
			ApprovedAt:     row.ApprovedAt,
			ApprovedBy:     row.ApprovedBy,
			RejectedAt:     row.RejectedAt,
			TrackingActive: row.TrackingActive,
			DisplayName:    row.UserID,
			MapColor:       profile.FallbackColor(row.UserID),
		}
		if details, ok := info[row.UserID]; ok {
			item.DisplayName = details.DisplayName
			item.AvatarURL = details.AvatarURL
			if details.MapColor != "" {
				item.MapColor = details.MapColor
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// Enrich resolves display details for rows using the gate's lookup.
func (g *Gate) Enrich(ctx context.Context, rows []models.Participant) ([]Enriched, error) {
	return Enrich(ctx, g.lookup, rows)
}

// ListEnriched returns every participant with display details.
func (g *Gate) ListEnriched(ctx context.Context, sessionID string) ([]Enriched, error) {
	rows, errList := g.List(ctx, sessionID)
	if errList != nil {
		return nil, errList
	}
	return Enrich(ctx, g.lookup, rows)
}

// StreamParticipants re-emits the full enriched participant set whenever
// it changes. An empty session emits an empty slice.
func (g *Gate) StreamParticipants(ctx context.Context, sessionID string) (*realtime.Stream[[]Enriched], error) {
	return realtime.Watch(ctx, g.hub, realtime.WatchSpec[[]Enriched]{
		Name:      "participants",
		SessionID: sessionID,
		Kinds:     []realtime.Kind{realtime.KindParticipants},
		Load: func(ctx context.Context) ([]Enriched, error) {
			return g.ListEnriched(ctx, sessionID)
		},
	})
}
