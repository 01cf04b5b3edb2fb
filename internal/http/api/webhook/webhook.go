// Package webhook exposes the payment vendor callback endpoint.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/billing"
	log "github.com/sirupsen/logrus"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "Stripe-Signature"

// maxBodyBytes bounds webhook payload size.
const maxBodyBytes = 1 << 20

// StripeHandler handles payment vendor webhook deliveries.
type StripeHandler struct {
	ingestor *billing.Ingestor
	secret   string
}

// NewStripeHandler constructs a StripeHandler.
func NewStripeHandler(ingestor *billing.Ingestor, secret string) *StripeHandler {
	return &StripeHandler{ingestor: ingestor, secret: secret}
}

// RegisterWebhookRoutes registers the vendor callback endpoint.
func RegisterWebhookRoutes(r *gin.Engine, handler *StripeHandler) {
	if r == nil || handler == nil {
		return
	}
	r.POST("/api/webhooks/stripe", handler.Handle)
}

// eventEnvelope is the subset of the vendor event we route on.
type eventEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handle verifies the delivery signature and hands the event to the
// ingestor. Processing failures still answer 200 so the vendor stops
// retrying; the event stays reprocessable from the admin API.
func (h *StripeHandler) Handle(c *gin.Context) {
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	if !h.verifySignature(body, c.GetHeader(SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var envelope eventEnvelope
	if errParse := json.Unmarshal(body, &envelope); errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	eventID := strings.TrimSpace(envelope.ID)
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event id"})
		return
	}

	payload := envelope.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	outcome, errIngest := h.ingestor.Ingest(c.Request.Context(), eventID, billing.EventType(envelope.Type), payload)
	if errIngest != nil {
		log.WithError(errIngest).WithField("event_id", eventID).Error("webhook ingest failed")
		c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

// verifySignature checks the hex HMAC-SHA256 of the body.
func (h *StripeHandler) verifySignature(body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if h.secret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}
