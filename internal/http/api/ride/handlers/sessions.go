package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/session"
)

// SessionHandler serves session lifecycle endpoints.
type SessionHandler struct {
	access
	heartbeat time.Duration
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(dir *groups.Directory, sessions *session.Manager, heartbeat time.Duration) *SessionHandler {
	return &SessionHandler{access: access{groups: dir, sessions: sessions}, heartbeat: heartbeat}
}

type startSessionRequest struct {
	Name        string  `json:"name"`        // Session name.
	Description *string `json:"description"` // Optional description.
	RouteID     *string `json:"route_id"`    // Optional planned route reference.
}

// Start opens a session in the group led by the caller.
func (h *SessionHandler) Start(c *gin.Context) {
	var body startSessionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, errStart := h.sessions.Start(c.Request.Context(), session.StartParams{
		GroupID:     c.Param("id"),
		LeaderID:    currentUserID(c),
		Name:        body.Name,
		Description: body.Description,
		RouteID:     body.RouteID,
	})
	if errStart != nil {
		writeError(c, errStart)
		return
	}
	c.JSON(http.StatusCreated, formatSession(s))
}

// ListActiveByGroup lists the group's active sessions. Members only.
func (h *SessionHandler) ListActiveByGroup(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("id")
	member, errMember := h.groups.IsMember(ctx, groupID, currentUserID(c))
	if errMember != nil {
		writeError(c, errMember)
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
		return
	}
	rows, errList := h.sessions.ListActiveByGroup(ctx, groupID)
	if errList != nil {
		writeError(c, errList)
		return
	}
	out := make([]any, 0, len(rows))
	for i := range rows {
		out = append(out, formatSession(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Active returns the caller's active led session, or null.
func (h *SessionHandler) Active(c *gin.Context) {
	s, errActive := h.sessions.ActiveForUser(c.Request.Context(), currentUserID(c))
	if errActive != nil {
		writeError(c, errActive)
		return
	}
	c.JSON(http.StatusOK, formatSession(s))
}

// Get returns one session. Members only.
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.memberSession(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, formatSession(s))
}

// Finalize ends the session. Leader or group admin only.
func (h *SessionHandler) Finalize(c *gin.Context) {
	s, errFinalize := h.sessions.Finalize(c.Request.Context(), c.Param("id"), currentUserID(c))
	if errFinalize != nil {
		writeError(c, errFinalize)
		return
	}
	c.JSON(http.StatusOK, formatSession(s))
}

// Stream pushes the session on every change and null once it is gone.
func (h *SessionHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.memberSession(c, sessionID); !ok {
		return
	}
	stream, errStream := h.sessions.StreamState(c.Request.Context(), sessionID)
	if errStream != nil {
		writeError(c, errStream)
		return
	}
	serveStream(c, stream, h.heartbeat, func(s *models.Session) any { return formatSession(s) })
}

// formatSession returns nil for a missing session so it encodes as null.
func formatSession(s *models.Session) any {
	if s == nil {
		return nil
	}
	return gin.H{
		"id":          s.ID,
		"group_id":    s.GroupID,
		"route_id":    s.RouteID,
		"name":        s.Name,
		"description": s.Description,
		"state":       s.State,
		"started_by":  s.StartedBy,
		"start_time":  s.StartTime,
		"end_time":    s.EndTime,
		"updated_at":  s.UpdatedAt,
	}
}
