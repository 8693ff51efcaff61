package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/models"
)

// GroupHandler serves group and membership endpoints.
type GroupHandler struct {
	dir *groups.Directory
}

// NewGroupHandler constructs a group handler.
func NewGroupHandler(dir *groups.Directory) *GroupHandler {
	return &GroupHandler{dir: dir}
}

type createGroupRequest struct {
	Name        string  `json:"name"`        // Group name.
	Description *string `json:"description"` // Optional description.
	PhotoURL    *string `json:"photo_url"`   // Optional cover photo.
}

// Create creates a group owned by the caller.
func (h *GroupHandler) Create(c *gin.Context) {
	var body createGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	group, errCreate := h.dir.Create(c.Request.Context(), groups.CreateParams{
		Name:        body.Name,
		Description: body.Description,
		PhotoURL:    body.PhotoURL,
	})
	if errCreate != nil {
		writeError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, formatGroup(group, true))
}

// List returns the caller's groups.
func (h *GroupHandler) List(c *gin.Context) {
	rows, errList := h.dir.ListForUser(c.Request.Context(), currentUserID(c))
	if errList != nil {
		writeError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatGroup(&rows[i], true))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

// Get returns one group. Only members see the invite code.
func (h *GroupHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	group, errGet := h.dir.Get(ctx, c.Param("id"))
	if errGet != nil {
		writeError(c, errGet)
		return
	}
	member, errMember := h.dir.IsMember(ctx, group.ID, currentUserID(c))
	if errMember != nil {
		writeError(c, errMember)
		return
	}
	c.JSON(http.StatusOK, formatGroup(group, member))
}

type updateGroupRequest struct {
	Name        *string `json:"name"`        // Optional new name.
	Description *string `json:"description"` // Optional new description.
	PhotoURL    *string `json:"photo_url"`   // Optional new photo.
}

// Update changes group fields. Admin only.
func (h *GroupHandler) Update(c *gin.Context) {
	var body updateGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	group, errUpdate := h.dir.Update(c.Request.Context(), c.Param("id"), groups.UpdateParams{
		Name:        body.Name,
		Description: body.Description,
		PhotoURL:    body.PhotoURL,
	})
	if errUpdate != nil {
		writeError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, formatGroup(group, true))
}

// Deactivate stops the group accepting joins and sessions. Admin only.
func (h *GroupHandler) Deactivate(c *gin.Context) {
	if errDeactivate := h.dir.Deactivate(c.Request.Context(), c.Param("id")); errDeactivate != nil {
		writeError(c, errDeactivate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes the group and everything under it. Admin only.
func (h *GroupHandler) Delete(c *gin.Context) {
	if errDelete := h.dir.Delete(c.Request.Context(), c.Param("id")); errDelete != nil {
		writeError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RegenerateInviteCode issues a new invite code. Admin only.
func (h *GroupHandler) RegenerateInviteCode(c *gin.Context) {
	code, errCode := h.dir.RegenerateInviteCode(c.Request.Context(), c.Param("id"))
	if errCode != nil {
		writeError(c, errCode)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_code": code})
}

type joinGroupRequest struct {
	Code string `json:"code"` // Invite code.
}

// Join adds the caller to the group owning the invite code.
func (h *GroupHandler) Join(c *gin.Context) {
	var body joinGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	membership, errJoin := h.dir.JoinByCode(c.Request.Context(), body.Code)
	if errJoin != nil {
		writeError(c, errJoin)
		return
	}
	c.JSON(http.StatusOK, formatMembership(membership))
}

// Leave removes the caller from the group.
func (h *GroupHandler) Leave(c *gin.Context) {
	if errLeave := h.dir.Leave(c.Request.Context(), c.Param("id")); errLeave != nil {
		writeError(c, errLeave)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Members lists the group's members. Members only.
func (h *GroupHandler) Members(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("id")
	member, errMember := h.dir.IsMember(ctx, groupID, currentUserID(c))
	if errMember != nil {
		writeError(c, errMember)
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
		return
	}
	rows, errList := h.dir.Members(ctx, groupID)
	if errList != nil {
		writeError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatMembership(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

type setAdminRequest struct {
	IsAdmin *bool `json:"is_admin"` // Desired admin flag.
}

// SetAdmin grants or revokes admin rights. Admin only.
func (h *GroupHandler) SetAdmin(c *gin.Context) {
	var body setAdminRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.IsAdmin == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "is_admin is required"})
		return
	}
	userID := strings.TrimSpace(c.Param("user_id"))
	if errSet := h.dir.SetAdmin(c.Request.Context(), c.Param("id"), userID, *body.IsAdmin); errSet != nil {
		writeError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "is_admin": *body.IsAdmin})
}

func formatGroup(group *models.Group, withCode bool) gin.H {
	out := gin.H{
		"id":          group.ID,
		"name":        group.Name,
		"description": group.Description,
		"created_by":  group.CreatedBy,
		"active":      group.Active,
		"photo_url":   group.PhotoURL,
		"created_at":  group.CreatedAt,
		"updated_at":  group.UpdatedAt,
	}
	if withCode {
		out["invite_code"] = group.InviteCode
	}
	return out
}

func formatMembership(m *models.Membership) gin.H {
	return gin.H{
		"group_id":  m.GroupID,
		"user_id":   m.UserID,
		"is_admin":  m.IsAdmin,
		"joined_at": m.JoinedAt,
	}
}
