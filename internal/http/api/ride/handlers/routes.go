package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/session"
	"github.com/ridecircle/groupride/internal/sharedroute"
)

// RouteHandler serves the shared destination endpoints.
type RouteHandler struct {
	access
	routes    *sharedroute.Coordinator
	heartbeat time.Duration
}

// NewRouteHandler constructs a route handler.
func NewRouteHandler(dir *groups.Directory, sessions *session.Manager, routes *sharedroute.Coordinator, heartbeat time.Duration) *RouteHandler {
	return &RouteHandler{
		access:    access{groups: dir, sessions: sessions},
		routes:    routes,
		heartbeat: heartbeat,
	}
}

type shareRouteRequest struct {
	DestinationLat  *float64          `json:"destination_lat"`  // Destination latitude.
	DestinationLng  *float64          `json:"destination_lng"`  // Destination longitude.
	DestinationName *string           `json:"destination_name"` // Optional label.
	Waypoints       []models.Waypoint `json:"waypoints"`        // Optional intermediate stops.
}

// Share replaces the session's route. Leader or group admin only.
func (h *RouteHandler) Share(c *gin.Context) {
	var body shareRouteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.DestinationLat == nil || body.DestinationLng == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination_lat and destination_lng are required"})
		return
	}
	sessionID := c.Param("id")
	if !h.requireManager(c, sessionID) {
		return
	}
	route, errShare := h.routes.Share(c.Request.Context(), sessionID, currentUserID(c), sharedroute.Destination{
		Lat:       *body.DestinationLat,
		Lng:       *body.DestinationLng,
		Name:      body.DestinationName,
		Waypoints: body.Waypoints,
	})
	if errShare != nil {
		writeError(c, errShare)
		return
	}
	c.JSON(http.StatusOK, route)
}

// Get returns the shared route, or null when none is shared.
func (h *RouteHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	route, errGet := h.routes.Get(c.Request.Context(), sessionID)
	if errGet != nil {
		writeError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, route)
}

// Clear removes the shared route. Leader or group admin only.
func (h *RouteHandler) Clear(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.requireManager(c, sessionID) {
		return
	}
	if errClear := h.routes.Clear(c.Request.Context(), sessionID); errClear != nil {
		writeError(c, errClear)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Stream pushes the route on every change and null when it is cleared.
func (h *RouteHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	stream, errStream := h.routes.Stream(c.Request.Context(), sessionID)
	if errStream != nil {
		writeError(c, errStream)
		return
	}
	serveStream(c, stream, h.heartbeat, identityFormat[*sharedroute.Route])
}
