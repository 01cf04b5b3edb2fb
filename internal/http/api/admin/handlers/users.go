package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/db"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// searchLimit caps a user search result page.
const searchLimit = 50

// UsersHandler handles admin user management endpoints.
type UsersHandler struct {
	db *gorm.DB
}

// NewUsersHandler constructs a UsersHandler.
func NewUsersHandler(db *gorm.DB) *UsersHandler {
	return &UsersHandler{db: db}
}

// Get returns a single user account with balances.
func (h *UsersHandler) Get(c *gin.Context) {
	userID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	resp := gin.H{
		"id":          user.ID,
		"email":       user.Email,
		"name":        user.Name,
		"credits":     user.Credits,
		"quota":       user.Quota,
		"is_vip":      user.IsVIP,
		"total_usage": user.TotalUsage,
		"active":      user.Active,
		"disabled":    user.Disabled,
		"created_at":  user.CreatedAt.UTC(),
	}
	if user.VIPExpiresAt != nil {
		resp["vip_expires_at"] = user.VIPExpiresAt.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

// Search returns users whose email contains the query fragment,
// case-insensitively on either dialect.
func (h *UsersHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("email"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email query"})
		return
	}

	pattern := db.NormalizeLikePattern(h.db, "%"+query+"%")
	var users []models.User
	if errFind := h.db.WithContext(c.Request.Context()).
		Where(db.CaseInsensitiveLikeExpr(h.db, "email"), pattern).
		Order("id ASC").
		Limit(searchLimit).
		Find(&users).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]gin.H, 0, len(users))
	for i := range users {
		out = append(out, gin.H{
			"id":       users[i].ID,
			"email":    users[i].Email,
			"name":     users[i].Name,
			"credits":  users[i].Credits,
			"quota":    users[i].Quota,
			"is_vip":   users[i].IsVIP,
			"disabled": users[i].Disabled,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// grantRequest defines the request body for a manual balance grant.
type grantRequest struct {
	Amount int64  `json:"amount"`
	Kind   string `json:"kind"`
	Note   string `json:"note"`
}

// GrantCredits applies a manual balance grant with an audit row.
func (h *UsersHandler) GrantCredits(c *gin.Context) {
	userID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var body grantRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be non-zero"})
		return
	}

	kind := models.KindCredits
	column := "credits"
	switch strings.TrimSpace(body.Kind) {
	case "", string(models.KindCredits):
	case string(models.KindQuota):
		kind = models.KindQuota
		column = "quota"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown balance kind"})
		return
	}

	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				column:       gorm.Expr(column+" + ?", body.Amount),
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Create(&models.CreditTransaction{
			UserID: userID,
			Kind:   kind,
			Delta:  body.Amount,
			Reason: models.ReasonGrant,
		}).Error
	})
	if errTx != nil {
		if errors.Is(errTx, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
		return
	}

	log.WithFields(log.Fields{
		"admin_id": getAdminID(c),
		"user_id":  userID,
		"kind":     kind,
		"amount":   body.Amount,
		"note":     strings.TrimSpace(body.Note),
	}).Info("manual balance grant")

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
