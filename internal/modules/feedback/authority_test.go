package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type stubProfiles struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]domain.UserProfile
	calls    int
}

func (s *stubProfiles) GetUserProfile(ctx context.Context, userID uuid.UUID) (domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p, ok := s.profiles[userID]
	if !ok {
		return domain.UserProfile{}, pkgerrors.ErrNotFound
	}
	return p, nil
}

type stubCache struct {
	values map[uuid.UUID]float64
}

func (s *stubCache) GetAuthority(ctx context.Context, userID uuid.UUID) (float64, bool, error) {
	v, ok := s.values[userID]
	return v, ok, nil
}

func (s *stubCache) SetAuthority(ctx context.Context, userID uuid.UUID, score float64) error {
	if s.values == nil {
		s.values = map[uuid.UUID]float64{}
	}
	s.values[userID] = score
	return nil
}

func TestComputeBlendsComponents(t *testing.T) {
	judge := Compute(domain.UserProfile{Role: "magistrato", HistoricalAccuracy: 1, ConsensusRate: 1, Reputation: 1})
	student := Compute(domain.UserProfile{Role: "studente", HistoricalAccuracy: 0.5, ConsensusRate: 0.5, Reputation: 0.5})
	anon := Compute(domain.UserProfile{Role: "something_else"})

	if judge <= student || student <= anon {
		t.Fatalf("authority ordering broken: judge=%f student=%f anon=%f", judge, student, anon)
	}
	if judge > 1 || anon < 0 {
		t.Fatalf("authority escaped [0,1]: judge=%f anon=%f", judge, anon)
	}
}

func TestComputeClampsInputs(t *testing.T) {
	score := Compute(domain.UserProfile{Role: "magistrato", HistoricalAccuracy: 7, ConsensusRate: -2, Reputation: 3})
	if score < 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
}

func TestScoreUnknownUser(t *testing.T) {
	s, err := NewScorer(&stubProfiles{}, nil, testLogger(t))
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}

	if _, err := s.Score(context.Background(), uuid.New()); !errors.Is(err, pkgerrors.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := s.Score(context.Background(), uuid.Nil); !errors.Is(err, pkgerrors.ErrUnknownUser) {
		t.Fatalf("nil user should be unknown, got %v", err)
	}
}

func TestScoreUsesCache(t *testing.T) {
	userID := uuid.New()
	profiles := &stubProfiles{profiles: map[uuid.UUID]domain.UserProfile{
		userID: {UserID: userID, Role: "avvocato", HistoricalAccuracy: 0.8, ConsensusRate: 0.7, Reputation: 0.6},
	}}
	cache := &stubCache{}
	s, _ := NewScorer(profiles, cache, testLogger(t))

	first, err := s.Score(context.Background(), userID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	second, err := s.Score(context.Background(), userID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if first != second {
		t.Fatalf("cached score differs: %f vs %f", first, second)
	}
	if profiles.calls != 1 {
		t.Fatalf("profile store hit %d times, want 1 (cache miss only)", profiles.calls)
	}
}
