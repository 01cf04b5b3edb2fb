package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/security"
	"github.com/messsiii/behindmemo-sub001/internal/settings"
	"gorm.io/gorm"
)

// minPasswordLength is the smallest accepted password.
const minPasswordLength = 8

// loginWindow is the fixed window for login rate limiting.
const loginWindow = time.Hour

// AuthHandler handles user authentication endpoints.
type AuthHandler struct {
	db      *gorm.DB
	jwtCfg  config.JWTConfig
	limiter *ratelimit.Limiter
	guard   *lockout.Guard
	limits  config.LimitsConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig, limiter *ratelimit.Limiter, guard *lockout.Guard, limits config.LimitsConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg, limiter: limiter, guard: guard, limits: limits}
}

// registerRequest defines the request body for user registration.
type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Register creates a new user account.
func (h *AuthHandler) Register(c *gin.Context) {
	var body registerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := normalizeEmail(body.Email)
	if email == "" || !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	password := strings.TrimSpace(body.Password)
	if len(password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
		return
	}

	var exists models.User
	if errCheck := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&exists).Error; errCheck == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	} else if !errors.Is(errCheck, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	now := time.Now().UTC()
	user := models.User{
		Email:     email,
		Name:      strings.TrimSpace(body.Name),
		Password:  hash,
		Active:    true,
		Disabled:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
	})
}

// loginRequest defines the request body for login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

// Login authenticates a user and issues a JWT.
//
// Order matters: the rate limit and lock checks run before any credential
// work so a locked or flooding caller never reaches bcrypt.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := normalizeEmail(body.Email)
	password := strings.TrimSpace(body.Password)
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email or password"})
		return
	}

	ctx := c.Request.Context()
	maxLogin := int64(settings.IntValue(settings.LoginPerHourKey, h.limits.LoginPerHour))
	// Both scopes are checked: the email scope throttles attacks on one
	// account, the IP scope throttles one caller spraying many accounts.
	for _, check := range []struct {
		scope    string
		identity string
	}{
		{ratelimit.ScopeEmail, email},
		{ratelimit.ScopeIP, c.ClientIP()},
	} {
		res, errLimit := h.limiter.Check(ctx, check.scope, check.identity, maxLogin, loginWindow)
		if errLimit != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}
		if !res.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many login attempts",
				"retry_after": int64(res.RetryAfter.Seconds()),
			})
			return
		}
	}

	locked, retryAfter, errLocked := h.guard.IsLocked(ctx, email)
	if errLocked != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lockout check failed"})
		return
	}
	if locked {
		c.JSON(http.StatusLocked, gin.H{
			"error":       "account temporarily locked",
			"retry_after": int64(retryAfter.Seconds()),
		})
		return
	}

	var user models.User
	if errFind := h.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			// Unknown emails count toward lockout so probing cannot
			// distinguish them from wrong passwords.
			_, _ = h.guard.RecordFailure(ctx, email)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	if user.Disabled || !user.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "user disabled"})
		return
	}

	if !security.CheckPassword(user.Password, password) {
		_, _ = h.guard.RecordFailure(ctx, email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if strings.TrimSpace(user.TOTPSecret) != "" {
		code := strings.TrimSpace(body.TOTPCode)
		if code == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "totp code required"})
			return
		}
		if !security.VerifyTOTP(code, user.TOTPSecret) {
			_, _ = h.guard.RecordFailure(ctx, email)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code"})
			return
		}
	}

	if errReset := h.guard.RecordSuccess(ctx, email); errReset != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lockout reset failed"})
		return
	}

	h.respondWithUserToken(c, user)
}

// respondWithUserToken generates a JWT and responds with user info.
func (h *AuthHandler) respondWithUserToken(c *gin.Context, user models.User) {
	token, errToken := security.GenerateToken(h.jwtCfg.Secret, user.ID, user.Email, user.Name, time.Duration(h.jwtCfg.ExpiryHours)*time.Hour)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
		"email":   user.Email,
		"name":    user.Name,
		"token":   token,
	})
}

// normalizeEmail lowercases and trims an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
