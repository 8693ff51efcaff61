package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/apperr"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/models"
	"github.com/ridecircle/groupride/internal/session"
	log "github.com/sirupsen/logrus"
)

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.Kind(err) {
	case apperr.ErrAuthentication:
		status = http.StatusUnauthorized
	case apperr.ErrAuthorization:
		status = http.StatusForbidden
	case apperr.ErrConflict:
		status = http.StatusConflict
	case apperr.ErrNotFound:
		status = http.StatusNotFound
	case apperr.ErrValidation:
		status = http.StatusBadRequest
	case apperr.ErrRateLimited:
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Warn("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		c.JSON(status, gin.H{"error": appErr.Error()})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// currentUserID returns the rider placed on the request by the auth middleware.
func currentUserID(c *gin.Context) string {
	userID, _ := identity.ContextIdentity{}.CurrentUserID(c.Request.Context())
	return userID
}

// access answers the membership questions shared by the session handlers.
type access struct {
	groups   *groups.Directory
	sessions *session.Manager
}

// memberSession loads the session and requires the caller to belong to its
// group. On failure the response has been written.
func (a access) memberSession(c *gin.Context, sessionID string) (*models.Session, bool) {
	ctx := c.Request.Context()
	s, errGet := a.sessions.Get(ctx, sessionID)
	if errGet != nil {
		writeError(c, errGet)
		return nil, false
	}
	member, errMember := a.groups.IsMember(ctx, s.GroupID, currentUserID(c))
	if errMember != nil {
		writeError(c, errMember)
		return nil, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
		return nil, false
	}
	return s, true
}

// requireManager allows the session leader and group admins.
func (a access) requireManager(c *gin.Context, sessionID string) bool {
	allowed, errManage := a.sessions.CanManage(c.Request.Context(), sessionID, currentUserID(c))
	if errManage != nil {
		writeError(c, errManage)
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the leader or a group admin may do this"})
		return false
	}
	return true
}
