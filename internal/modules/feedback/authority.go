package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// ProfileStore is the external authority/user store.
type ProfileStore interface {
	GetUserProfile(ctx context.Context, userID uuid.UUID) (domain.UserProfile, error)
}

// AuthorityCache is the read-through cache in front of the profile store.
type AuthorityCache interface {
	GetAuthority(ctx context.Context, userID uuid.UUID) (float64, bool, error)
	SetAuthority(ctx context.Context, userID uuid.UUID, score float64) error
}

// Scorer computes the [0,1] trust score applied to a user's feedback.
type Scorer struct {
	profiles ProfileStore
	cache    AuthorityCache
	log      *logger.Logger
}

func NewScorer(profiles ProfileStore, cache AuthorityCache, log *logger.Logger) (*Scorer, error) {
	if profiles == nil || log == nil {
		return nil, fmt.Errorf("feedback: scorer requires profile store and logger")
	}
	return &Scorer{profiles: profiles, cache: cache, log: log.With("service", "AuthorityScorer")}, nil
}

// Professional roles carry more weight than anonymous accounts; the
// remaining components come from the user's track record.
var roleWeights = map[string]float64{
	"magistrato":  0.95,
	"docente":     0.85,
	"avvocato":    0.75,
	"notaio":      0.75,
	"praticante":  0.55,
	"studente":    0.40,
	"cittadino":   0.30,
}

const defaultRoleWeight = 0.30

// Score returns the user's authority, recomputing lazily on cache miss.
// An unknown user yields ErrUnknownUser.
func (s *Scorer) Score(ctx context.Context, userID uuid.UUID) (float64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.ErrUnknownUser
	}
	if s.cache != nil {
		if score, ok, err := s.cache.GetAuthority(ctx, userID); err == nil && ok {
			return score, nil
		}
	}

	profile, err := s.profiles.GetUserProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return 0, pkgerrors.ErrUnknownUser
		}
		return 0, fmt.Errorf("feedback: load profile: %w", err)
	}

	score := Compute(profile)
	if s.cache != nil {
		if err := s.cache.SetAuthority(ctx, userID, score); err != nil {
			s.log.Warn("authority cache write failed", "error", err)
		}
	}
	return score, nil
}

// Compute blends role weight, historical accuracy, consensus rate and
// reputation into one [0,1] score.
func Compute(profile domain.UserProfile) float64 {
	role, ok := roleWeights[strings.ToLower(strings.TrimSpace(profile.Role))]
	if !ok {
		role = defaultRoleWeight
	}
	score := 0.35*role +
		0.30*clamp01(profile.HistoricalAccuracy) +
		0.20*clamp01(profile.ConsensusRate) +
		0.15*clamp01(profile.Reputation)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
