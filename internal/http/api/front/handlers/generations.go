package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/generation"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"github.com/messsiii/behindmemo-sub001/internal/quota"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// generateWindow is the fixed window for generation rate limiting.
const generateWindow = time.Hour

// staleBudget is how long a generating record may sit before polls
// report it failed. Matches the sweeper's max age so the poll answer
// and the eventual swept state agree.
const staleBudget = 10 * time.Minute

// GenerationHandler handles letter generation endpoints.
type GenerationHandler struct {
	coordinator *quota.Coordinator
	store       *generation.Store
	worker      *generation.Worker
	limiter     *ratelimit.Limiter
	limits      config.LimitsConfig
}

// NewGenerationHandler constructs a GenerationHandler.
func NewGenerationHandler(coordinator *quota.Coordinator, store *generation.Store, worker *generation.Worker, limiter *ratelimit.Limiter, limits config.LimitsConfig) *GenerationHandler {
	return &GenerationHandler{coordinator: coordinator, store: store, worker: worker, limiter: limiter, limits: limits}
}

// createGenerationRequest defines the request body for starting a generation.
type createGenerationRequest struct {
	Prompt    string          `json:"prompt"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"request_id"`
	Kind      string          `json:"kind"`
}

// Create reserves a balance unit and starts a background generation.
func (h *GenerationHandler) Create(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	if settings.BoolValue(settings.MaintenanceModeKey, settings.DefaultMaintenanceMode) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "generation paused for maintenance"})
		return
	}

	var body createGenerationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing prompt"})
		return
	}

	kind := models.KindCredits
	switch strings.TrimSpace(body.Kind) {
	case "", string(models.KindCredits):
	case string(models.KindQuota):
		kind = models.KindQuota
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown balance kind"})
		return
	}

	requestID := strings.TrimSpace(body.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(c.GetHeader("X-Request-ID"))
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx := c.Request.Context()
	maxGenerate := int64(settings.IntValue(settings.GeneratePerHourKey, h.limits.GeneratePerHour))
	res, errLimit := h.limiter.Check(ctx, ratelimit.ScopeUser, userIDKey(userID), maxGenerate, generateWindow)
	if errLimit != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
		return
	}
	if !res.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many generation requests",
			"retry_after": int64(res.RetryAfter.Seconds()),
		})
		return
	}

	reservation, errReserve := h.coordinator.Reserve(ctx, userID, requestID, kind)
	if errReserve != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reserve failed"})
		return
	}
	switch reservation.Outcome {
	case quota.LockBusy:
		c.JSON(http.StatusConflict, gin.H{"error": "another request is in flight, retry shortly"})
		return
	case quota.InsufficientBalance:
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance, purchase credits to continue"})
		return
	}

	record, errCreate := h.store.Create(ctx, userID, requestID, prompt, datatypes.JSON(body.Params))
	if errCreate != nil {
		if errRelease := h.coordinator.Release(context.WithoutCancel(ctx), userID, requestID); errRelease != nil {
			log.WithError(errRelease).WithField("request_id", requestID).Warn("release reservation after create failure failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create generation failed"})
		return
	}

	// Idempotent replay: the record may already be past pending.
	if record.Terminal() || record.Status == models.GenerationGenerating {
		// A terminal record needs no reservation. Reserve may have just
		// written a fresh marker because the original expired; drop it so
		// the unit is not held for the marker TTL. A consumed marker from
		// the original run survives the discard.
		if record.Terminal() {
			if errDiscard := h.coordinator.Discard(context.WithoutCancel(ctx), userID, requestID); errDiscard != nil {
				log.WithError(errDiscard).WithField("request_id", requestID).Warn("discard replay reservation failed")
			}
		}
		c.JSON(http.StatusOK, generationResponse(record, time.Now().UTC()))
		return
	}

	go h.worker.Process(ctx, record.ID, userID, requestID)

	c.JSON(http.StatusAccepted, gin.H{
		"id":         record.ID,
		"request_id": record.RequestID,
		"status":     record.Status,
	})
}

// Get returns a single generation owned by the caller.
func (h *GenerationHandler) Get(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	record, errGet := h.store.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		if errors.Is(errGet, generation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if record.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.JSON(http.StatusOK, generationResponse(record, time.Now().UTC()))
}

// List returns the caller's recent generations.
func (h *GenerationHandler) List(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if n, errParse := strconv.Atoi(raw); errParse == nil {
			limit = n
		}
	}

	records, errList := h.store.ListByUser(c.Request.Context(), userID, limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	now := time.Now().UTC()
	out := make([]gin.H, 0, len(records))
	for i := range records {
		out = append(out, generationResponse(&records[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"generations": out})
}

// generationResponse renders a generation for API output. Records stuck
// in generating beyond the stale budget are reported failed without
// touching the row; the sweeper settles them for real.
func generationResponse(record *models.Generation, now time.Time) gin.H {
	status := record.Status
	errorReason := record.ErrorReason
	if status == models.GenerationGenerating && now.Sub(record.UpdatedAt) > staleBudget {
		status = models.GenerationFailed
		errorReason = "generation timed out"
	}

	resp := gin.H{
		"id":         record.ID,
		"request_id": record.RequestID,
		"status":     status,
		"created_at": record.CreatedAt.UTC(),
		"updated_at": record.UpdatedAt.UTC(),
	}
	if status == models.GenerationCompleted {
		resp["content"] = record.Content
	}
	if errorReason != "" && status == models.GenerationFailed {
		resp["error"] = errorReason
	}
	return resp
}

// userIDKey renders a user ID as a rate-limit identity.
func userIDKey(userID uint64) string {
	return strconv.FormatUint(userID, 10)
}
