package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/generation"
	"github.com/messsiii/behindmemo-sub001/internal/http/api/front/handlers"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/quota"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/security"
	"gorm.io/gorm"
)

// Deps bundles the collaborators front routes need.
type Deps struct {
	DB          *gorm.DB
	JWT         config.JWTConfig
	Limits      config.LimitsConfig
	Limiter     *ratelimit.Limiter
	Guard       *lockout.Guard
	Coordinator *quota.Coordinator
	Generations *generation.Store
	Worker      *generation.Worker
}

// RegisterFrontRoutes registers public and authenticated front-end routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	api := r.Group("/api")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.JWT, deps.Limiter, deps.Guard, deps.Limits)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(userAuthMiddleware(deps.DB, deps.JWT))

	mfaHandler := handlers.NewMFAHandler(deps.DB)
	authed.GET("/auth/totp/status", mfaHandler.Status)
	authed.POST("/auth/totp/prepare", mfaHandler.PrepareTOTP)
	authed.POST("/auth/totp/confirm", mfaHandler.ConfirmTOTP)
	authed.POST("/auth/totp/disable", mfaHandler.DisableTOTP)

	profileHandler := handlers.NewProfileHandler(deps.DB)
	authed.GET("/me", profileHandler.Get)
	authed.PUT("/me/password", profileHandler.ChangePassword)

	generationHandler := handlers.NewGenerationHandler(deps.Coordinator, deps.Generations, deps.Worker, deps.Limiter, deps.Limits)
	authed.POST("/generations", generationHandler.Create)
	authed.GET("/generations/:id", generationHandler.Get)
	authed.GET("/generations", generationHandler.List)

	creditsHandler := handlers.NewCreditsHandler(deps.DB)
	authed.GET("/credits/transactions", creditsHandler.Transactions)
}

// userAuthMiddleware validates user JWTs and loads the user into context.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
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

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
			return
		}

		c.Set("userID", user.ID)
		c.Next()
	}
}
