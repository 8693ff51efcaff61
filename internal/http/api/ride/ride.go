// Package ride registers the rider-facing REST and streaming API.
package ride

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/config"
	"github.com/ridecircle/groupride/internal/groups"
	handlers "github.com/ridecircle/groupride/internal/http/api/ride/handlers"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/location"
	"github.com/ridecircle/groupride/internal/metrics"
	"github.com/ridecircle/groupride/internal/participant"
	"github.com/ridecircle/groupride/internal/security"
	"github.com/ridecircle/groupride/internal/session"
	"github.com/ridecircle/groupride/internal/sharedroute"
	"gorm.io/gorm"
)

// Services are the components the API exposes.
type Services struct {
	DB           *gorm.DB
	Groups       *groups.Directory
	Sessions     *session.Manager
	Participants *participant.Gate
	Locations    *location.Service
	Routes       *sharedroute.Coordinator
}

// RegisterRideRoutes registers health, metrics and the authenticated /v1 API.
func RegisterRideRoutes(r *gin.Engine, svc Services, jwtCfg config.JWTConfig, heartbeat time.Duration) {
	if r == nil || svc.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(svc.DB)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := r.Group("/v1")
	authed.Use(riderAuthMiddleware(jwtCfg))

	groupHandler := handlers.NewGroupHandler(svc.Groups)
	authed.POST("/groups", groupHandler.Create)
	authed.GET("/groups", groupHandler.List)
	authed.POST("/groups/join", groupHandler.Join)
	authed.GET("/groups/:id", groupHandler.Get)
	authed.PUT("/groups/:id", groupHandler.Update)
	authed.DELETE("/groups/:id", groupHandler.Delete)
	authed.POST("/groups/:id/deactivate", groupHandler.Deactivate)
	authed.POST("/groups/:id/invite-code", groupHandler.RegenerateInviteCode)
	authed.POST("/groups/:id/leave", groupHandler.Leave)
	authed.GET("/groups/:id/members", groupHandler.Members)
	authed.PUT("/groups/:id/members/:user_id/admin", groupHandler.SetAdmin)

	sessionHandler := handlers.NewSessionHandler(svc.Groups, svc.Sessions, heartbeat)
	authed.POST("/groups/:id/sessions", sessionHandler.Start)
	authed.GET("/groups/:id/sessions", sessionHandler.ListActiveByGroup)
	authed.GET("/sessions/active", sessionHandler.Active)
	authed.GET("/sessions/:id", sessionHandler.Get)
	authed.POST("/sessions/:id/finalize", sessionHandler.Finalize)
	authed.GET("/sessions/:id/stream", sessionHandler.Stream)

	participantHandler := handlers.NewParticipantHandler(svc.Groups, svc.Sessions, svc.Participants, heartbeat)
	authed.POST("/sessions/:id/participants", participantHandler.RequestToJoin)
	authed.GET("/sessions/:id/participants", participantHandler.List)
	authed.GET("/sessions/:id/participants/stream", participantHandler.Stream)
	authed.PUT("/sessions/:id/tracking", participantHandler.SetTracking)
	authed.POST("/participants/:id/approve", participantHandler.Approve)
	authed.POST("/participants/:id/reject", participantHandler.Reject)

	locationHandler := handlers.NewLocationHandler(svc.Groups, svc.Sessions, svc.Locations, heartbeat)
	authed.POST("/sessions/:id/locations", locationHandler.Ingest)
	authed.GET("/sessions/:id/positions", locationHandler.Positions)
	authed.GET("/sessions/:id/positions/stream", locationHandler.Stream)

	routeHandler := handlers.NewRouteHandler(svc.Groups, svc.Sessions, svc.Routes, heartbeat)
	authed.PUT("/sessions/:id/route", routeHandler.Share)
	authed.GET("/sessions/:id/route", routeHandler.Get)
	authed.DELETE("/sessions/:id/route", routeHandler.Clear)
	authed.GET("/sessions/:id/route/stream", routeHandler.Stream)
}

// riderAuthMiddleware validates rider JWTs and places the rider on the
// request context. Browsers cannot set headers on EventSource requests, so
// an access_token query parameter is accepted as well.
func riderAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("access_token"))
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
				return
			}
			token = strings.TrimSpace(token)
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseRiderToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID := claims.UserID()
		c.Set("userID", userID)
		c.Request = c.Request.WithContext(identity.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}
