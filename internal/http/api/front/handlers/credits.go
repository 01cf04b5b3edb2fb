package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"gorm.io/gorm"
)

// Transaction listing limits.
const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

// CreditsHandler handles balance history endpoints.
type CreditsHandler struct {
	db *gorm.DB
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(db *gorm.DB) *CreditsHandler {
	return &CreditsHandler{db: db}
}

// Transactions returns the caller's balance change history, newest first.
func (h *CreditsHandler) Transactions(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	limit := defaultTransactionLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if n, errParse := strconv.Atoi(raw); errParse == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	query := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit)
	if kind := strings.TrimSpace(c.Query("kind")); kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var rows []models.CreditTransaction
	if errFind := query.Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		entry := gin.H{
			"id":         row.ID,
			"kind":       row.Kind,
			"delta":      row.Delta,
			"reason":     row.Reason,
			"created_at": row.CreatedAt.UTC(),
		}
		if row.RequestID != "" {
			entry["request_id"] = row.RequestID
		}
		if row.EventID != "" {
			entry["event_id"] = row.EventID
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}
