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

// UserProfileRepo reads the synced community-platform accounts the
// authority scorer draws from.
type UserProfileRepo interface {
	GetUserProfile(ctx context.Context, userID uuid.UUID) (domain.UserProfile, error)
}

type userProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserProfileRepo(db *gorm.DB, baseLog *logger.Logger) (UserProfileRepo, error) {
	if db == nil || baseLog == nil {
		return nil, fmt.Errorf("repos: user profile repo requires db and logger")
	}
	return &userProfileRepo{db: db, log: baseLog.With("repo", "UserProfileRepo")}, nil
}

func (r *userProfileRepo) GetUserProfile(ctx context.Context, userID uuid.UUID) (domain.UserProfile, error) {
	var account domain.UserAccount
	err := r.db.WithContext(ctx).
		Where("id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserProfile{}, pkgerrors.ErrNotFound
		}
		return domain.UserProfile{}, fmt.Errorf("repos: get user profile: %w", err)
	}
	return domain.UserProfile{
		UserID:             account.ID,
		Role:               account.Role,
		HistoricalAccuracy: account.HistoricalAccuracy,
		ConsensusRate:      account.ConsensusRate,
		Reputation:         account.Reputation,
	}, nil
}
