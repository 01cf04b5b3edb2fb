package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/billing"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpsHandler handles operational admin endpoints.
type OpsHandler struct {
	db       *gorm.DB
	guard    *lockout.Guard
	limiter  *ratelimit.Limiter
	ingestor *billing.Ingestor
}

// NewOpsHandler constructs an OpsHandler.
func NewOpsHandler(db *gorm.DB, guard *lockout.Guard, limiter *ratelimit.Limiter, ingestor *billing.Ingestor) *OpsHandler {
	return &OpsHandler{db: db, guard: guard, limiter: limiter, ingestor: ingestor}
}

// unlockRequest defines the request body for account unlocks.
type unlockRequest struct {
	Email string `json:"email"`
}

// Unlock clears a login lockout for an email.
func (h *OpsHandler) Unlock(c *gin.Context) {
	var body unlockRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email"})
		return
	}

	if errUnlock := h.guard.Unlock(c.Request.Context(), email); errUnlock != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// rateLimitResetRequest defines the request body for rate-limit resets.
type rateLimitResetRequest struct {
	Scope    string `json:"scope"`
	Identity string `json:"identity"`
}

// RateLimitReset clears a rate-limit window for a (scope, identity) pair.
func (h *OpsHandler) RateLimitReset(c *gin.Context) {
	var body rateLimitResetRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	scope := strings.TrimSpace(body.Scope)
	identity := strings.TrimSpace(body.Identity)
	switch scope {
	case ratelimit.ScopeEmail, ratelimit.ScopeIP, ratelimit.ScopeUser:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope"})
		return
	}
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity"})
		return
	}

	if errReset := h.limiter.Reset(c.Request.Context(), scope, identity); errReset != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// WebhookReprocess retries a stored webhook event.
func (h *OpsHandler) WebhookReprocess(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("event_id"))
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event id"})
		return
	}

	outcome, errReprocess := h.ingestor.Reprocess(c.Request.Context(), eventID)
	if errReprocess != nil {
		if errors.Is(errReprocess, billing.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errReprocess.Error(), "status": string(outcome)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

// ListSettings returns all runtime settings rows.
func (h *OpsHandler) ListSettings(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Order("key ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"key":        row.Key,
			"value":      row.Value,
			"updated_at": row.UpdatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":            out,
		"snapshot_updated_at": settings.SnapshotUpdatedAt().UTC(),
	})
}

// updateSettingRequest defines the request body for setting updates.
type updateSettingRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// UpdateSetting upserts a runtime setting and refreshes the snapshot.
func (h *OpsHandler) UpdateSetting(c *gin.Context) {
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}
	if len(body.Value) == 0 || !json.Valid(body.Value) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}

	ctx := c.Request.Context()
	row := models.Setting{Key: key, Value: body.Value, UpdatedAt: time.Now().UTC()}
	if errSave := h.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}

	if errRefresh := settings.RefreshSnapshot(ctx, h.db); errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
