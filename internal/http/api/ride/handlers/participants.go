package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/participant"
	"github.com/ridecircle/groupride/internal/session"
)

// ParticipantHandler serves the approval gate endpoints.
type ParticipantHandler struct {
	access
	gate      *participant.Gate
	heartbeat time.Duration
}

// NewParticipantHandler constructs a participant handler.
func NewParticipantHandler(dir *groups.Directory, sessions *session.Manager, gate *participant.Gate, heartbeat time.Duration) *ParticipantHandler {
	return &ParticipantHandler{
		access:    access{groups: dir, sessions: sessions},
		gate:      gate,
		heartbeat: heartbeat,
	}
}

// RequestToJoin files the caller's join request. Members only.
func (h *ParticipantHandler) RequestToJoin(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	row, errRequest := h.gate.RequestToJoin(c.Request.Context(), sessionID, currentUserID(c))
	if errRequest != nil {
		writeError(c, errRequest)
		return
	}
	c.JSON(http.StatusOK, formatParticipant(row))
}

// List returns enriched participants, optionally filtered by state.
func (h *ParticipantHandler) List(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	ctx := c.Request.Context()
	var (
		rows    []models.Participant
		errList error
	)
	switch strings.ToLower(strings.TrimSpace(c.Query("state"))) {
	case "":
		rows, errList = h.gate.List(ctx, sessionID)
	case models.ParticipantApproved:
		rows, errList = h.gate.ListApproved(ctx, sessionID)
	case models.ParticipantPending:
		rows, errList = h.gate.ListPending(ctx, sessionID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be pending or approved"})
		return
	}
	if errList != nil {
		writeError(c, errList)
		return
	}
	enriched, errEnrich := h.gate.Enrich(ctx, rows)
	if errEnrich != nil {
		writeError(c, errEnrich)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": enriched})
}

// Approve admits a pending participant. Leader or group admin only.
func (h *ParticipantHandler) Approve(c *gin.Context) {
	h.decide(c, h.gate.Approve)
}

// Reject refuses a pending participant. Leader or group admin only.
func (h *ParticipantHandler) Reject(c *gin.Context) {
	h.decide(c, h.gate.Reject)
}

func (h *ParticipantHandler) decide(c *gin.Context, apply func(ctx context.Context, participantID, approverID string) (*models.Participant, error)) {
	ctx := c.Request.Context()
	row, errGet := h.gate.Get(ctx, c.Param("id"))
	if errGet != nil {
		writeError(c, errGet)
		return
	}
	if !h.requireManager(c, row.SessionID) {
		return
	}
	decided, errDecide := apply(ctx, row.ID, currentUserID(c))
	if errDecide != nil {
		writeError(c, errDecide)
		return
	}
	c.JSON(http.StatusOK, formatParticipant(decided))
}

type trackingRequest struct {
	Active *bool `json:"active"` // Whether to share location.
}

// SetTracking toggles location sharing for the caller.
func (h *ParticipantHandler) SetTracking(c *gin.Context) {
	var body trackingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active is required"})
		return
	}
	row, errSet := h.gate.SetTrackingActive(c.Request.Context(), c.Param("id"), currentUserID(c), *body.Active)
	if errSet != nil {
		writeError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, formatParticipant(row))
}

// Stream pushes the full enriched participant set on every change.
func (h *ParticipantHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	stream, errStream := h.gate.StreamParticipants(c.Request.Context(), sessionID)
	if errStream != nil {
		writeError(c, errStream)
		return
	}
	serveStream(c, stream, h.heartbeat, identityFormat[[]participant.Enriched])
}

func formatParticipant(p *models.Participant) gin.H {
	return gin.H{
		"id":              p.ID,
		"session_id":      p.SessionID,
		"user_id":         p.UserID,
		"approval_state":  p.State,
		"requested_at":    p.RequestedAt,
		"approved_at":     p.ApprovedAt,
		"approved_by":     p.ApprovedBy,
		"rejected_at":     p.RejectedAt,
		"rejected_by":     p.RejectedBy,
		"tracking_active": p.TrackingActive,
	}
}
