package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/location"
	"github.com/ridecircle/groupride/internal/session"
)

// LocationHandler serves ping ingest and position views.
type LocationHandler struct {
	access
	locations *location.Service
	heartbeat time.Duration
}

// NewLocationHandler constructs a location handler.
func NewLocationHandler(dir *groups.Directory, sessions *session.Manager, locations *location.Service, heartbeat time.Duration) *LocationHandler {
	return &LocationHandler{
		access:    access{groups: dir, sessions: sessions},
		locations: locations,
		heartbeat: heartbeat,
	}
}

type ingestRequest struct {
	Lat        *float64   `json:"lat"`         // WGS84 latitude.
	Lng        *float64   `json:"lng"`         // WGS84 longitude.
	Speed      *float64   `json:"speed"`       // km/h unless speed_unit=mps.
	Heading    *float64   `json:"heading"`     // Degrees from north.
	Altitude   *float64   `json:"altitude"`    // Meters.
	Accuracy   *float64   `json:"accuracy"`    // Horizontal accuracy in meters.
	RecordedAt *time.Time `json:"recorded_at"` // Device timestamp.
}

// Ingest stores one ping for the caller.
func (h *LocationHandler) Ingest(c *gin.Context) {
	var body ingestRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Lat == nil || body.Lng == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required"})
		return
	}
	speed := body.Speed
	switch strings.ToLower(strings.TrimSpace(c.Query("speed_unit"))) {
	case "", "kmh":
	case "mps":
		if speed != nil {
			converted := location.KmhFromMetersPerSecond(*speed)
			speed = &converted
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "speed_unit must be kmh or mps"})
		return
	}

	row, errIngest := h.locations.Ingest(c.Request.Context(), c.Param("id"), currentUserID(c), location.Ping{
		Lat:        *body.Lat,
		Lng:        *body.Lng,
		Speed:      speed,
		Heading:    body.Heading,
		Altitude:   body.Altitude,
		Accuracy:   body.Accuracy,
		RecordedAt: body.RecordedAt,
	})
	if errIngest != nil {
		writeError(c, errIngest)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": row.ID, "recorded_at": row.RecordedAt})
}

// Positions returns the broadcast view. Managers may pass view=all to
// include riders that are not approved or not tracking.
func (h *LocationHandler) Positions(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	ctx := c.Request.Context()
	var (
		positions []location.Position
		errList   error
	)
	switch strings.ToLower(strings.TrimSpace(c.Query("view"))) {
	case "", "broadcast":
		positions, errList = h.locations.BroadcastPositions(ctx, sessionID)
	case "all":
		if !h.requireManager(c, sessionID) {
			return
		}
		positions, errList = h.locations.CurrentPositions(ctx, sessionID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "view must be broadcast or all"})
		return
	}
	if errList != nil {
		writeError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// Stream pushes the broadcast view whenever it changes.
func (h *LocationHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	stream, errStream := h.locations.StreamPositions(c.Request.Context(), sessionID)
	if errStream != nil {
		writeError(c, errStream)
		return
	}
	serveStream(c, stream, h.heartbeat, identityFormat[[]location.Position])
}
