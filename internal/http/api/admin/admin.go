package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/billing"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/http/api/admin/handlers"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/security"
	"gorm.io/gorm"
)

// Deps bundles the collaborators admin routes need.
type Deps struct {
	DB       *gorm.DB
	JWT      config.JWTConfig
	Guard    *lockout.Guard
	Limiter  *ratelimit.Limiter
	Ingestor *billing.Ingestor
}

// RegisterAdminRoutes registers the admin API group.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	group := r.Group("/api/admin")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.JWT)
	group.POST("/login", authHandler.Login)

	authed := group.Group("")
	authed.Use(adminAuthMiddleware(deps.DB, deps.JWT))

	usersHandler := handlers.NewUsersHandler(deps.DB)
	authed.GET("/users", usersHandler.Search)
	authed.GET("/users/:id", usersHandler.Get)
	authed.POST("/users/:id/credits", usersHandler.GrantCredits)

	opsHandler := handlers.NewOpsHandler(deps.DB, deps.Guard, deps.Limiter, deps.Ingestor)
	authed.POST("/unlock", opsHandler.Unlock)
	authed.POST("/ratelimit/reset", opsHandler.RateLimitReset)
	authed.POST("/webhooks/:event_id/reprocess", opsHandler.WebhookReprocess)
	authed.GET("/settings", opsHandler.ListSettings)
	authed.PUT("/settings", opsHandler.UpdateSetting)
}

// adminAuthMiddleware validates admin JWTs and loads the admin into context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Next()
	}
}
