package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/merlt/merlt-backend/internal/domain"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// FeedbackEventRepo archives applied feedback for later training-example
// extraction.
type FeedbackEventRepo interface {
	Create(ctx context.Context, event *domain.FeedbackEvent) error
	GetByFeedbackID(ctx context.Context, feedbackID uuid.UUID) (*domain.FeedbackEvent, error)
	ListByWeightSet(ctx context.Context, weightSet string, limit int) ([]domain.FeedbackEvent, error)
}

type feedbackEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFeedbackEventRepo(db *gorm.DB, baseLog *logger.Logger) (FeedbackEventRepo, error) {
	if db == nil || baseLog == nil {
		return nil, fmt.Errorf("repos: feedback repo requires db and logger")
	}
	return &feedbackEventRepo{db: db, log: baseLog.With("repo", "FeedbackEventRepo")}, nil
}

func (r *feedbackEventRepo) Create(ctx context.Context, event *domain.FeedbackEvent) error {
	if event == nil {
		return fmt.Errorf("repos: %w: nil event", pkgerrors.ErrInvalidArgument)
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("repos: create feedback event: %w", err)
	}
	return nil
}

func (r *feedbackEventRepo) GetByFeedbackID(ctx context.Context, feedbackID uuid.UUID) (*domain.FeedbackEvent, error) {
	var event domain.FeedbackEvent
	err := r.db.WithContext(ctx).
		Where("feedback_id = ?", feedbackID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, fmt.Errorf("repos: get feedback event: %w", err)
	}
	return &event, nil
}

func (r *feedbackEventRepo) ListByWeightSet(ctx context.Context, weightSet string, limit int) ([]domain.FeedbackEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []domain.FeedbackEvent
	err := r.db.WithContext(ctx).
		Where("weight_set = ?", weightSet).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("repos: list feedback events: %w", err)
	}
	return events, nil
}
