// Package generation tracks asynchronous letter generation through its
// lifecycle and drives it with a background worker decoupled from the
// HTTP request that created it.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store errors.
var (
	// ErrNotFound indicates the generation record does not exist.
	ErrNotFound = errors.New("generation: record not found")
	// ErrInvalidTransition indicates a state change was rejected because
	// the record already left the expected state.
	ErrInvalidTransition = errors.New("generation: invalid state transition")
	// ErrEmptyContent indicates Complete was called without content.
	ErrEmptyContent = errors.New("generation: empty content")
)

// Store persists generation records and enforces forward-only state
// transitions through conditional updates.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending record for (userID, requestID). A retried
// trigger request with the same requestID returns the existing record
// instead of starting a second generation.
func (s *Store) Create(ctx context.Context, userID uint64, requestID, prompt string, params datatypes.JSON) (*models.Generation, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, errors.New("generation: empty request id")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("generation: empty prompt")
	}

	// The idempotency key is scoped per user. Two users reusing the same
	// request ID get independent records, so the lookup must never match
	// on request_id alone.
	var existing models.Generation
	errFind := s.db.WithContext(ctx).Where("user_id = ? AND request_id = ?", userID, requestID).First(&existing).Error
	if errFind == nil {
		return &existing, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("generation: lookup by request id: %w", errFind)
	}

	if len(params) == 0 {
		params = datatypes.JSON([]byte("{}"))
	}
	record := models.Generation{
		ID:        uuid.NewString(),
		UserID:    userID,
		RequestID: requestID,
		Prompt:    prompt,
		Params:    params,
		Status:    models.GenerationPending,
	}
	if errCreate := s.db.WithContext(ctx).Create(&record).Error; errCreate != nil {
		return nil, fmt.Errorf("generation: create: %w", errCreate)
	}
	return &record, nil
}

// Claim transitions pending -> generating for exactly one caller. It
// reports false when the record was already claimed or is terminal, so
// a retried trigger cannot double-start work.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Generation{}).
		Where("id = ? AND status = ?", id, models.GenerationPending).
		Update("status", models.GenerationGenerating)
	if res.Error != nil {
		return false, fmt.Errorf("generation: claim: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete transitions generating -> completed with content. A record
// that already left generating is never overwritten.
func (s *Store) Complete(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	res := s.db.WithContext(ctx).Model(&models.Generation{}).
		Where("id = ? AND status = ?", id, models.GenerationGenerating).
		Updates(map[string]any{"status": models.GenerationCompleted, "content": content})
	if res.Error != nil {
		return fmt.Errorf("generation: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Fail transitions pending/generating -> failed with a reason. Failing
// an already-terminal record is rejected rather than overwriting it.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Generation{}).
		Where("id = ? AND status IN ?", id, []models.GenerationStatus{models.GenerationPending, models.GenerationGenerating}).
		Updates(map[string]any{"status": models.GenerationFailed, "error_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("generation: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Get returns a generation record by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Generation, error) {
	var record models.Generation
	if errFind := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("generation: get: %w", errFind)
	}
	return &record, nil
}

// ListByUser returns a user's most recent generations.
func (s *Store) ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []models.Generation
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error; errFind != nil {
		return nil, fmt.Errorf("generation: list: %w", errFind)
	}
	return records, nil
}

// StaleGenerating returns records stuck in generating since before the
// cutoff. Used by the reconciliation sweeper.
func (s *Store) StaleGenerating(ctx context.Context, cutoff time.Time) ([]models.Generation, error) {
	var records []models.Generation
	if errFind := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.GenerationGenerating, cutoff).
		Find(&records).Error; errFind != nil {
		return nil, fmt.Errorf("generation: stale lookup: %w", errFind)
	}
	return records, nil
}
