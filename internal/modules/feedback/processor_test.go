package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
)

type memIdem struct {
	mu        sync.Mutex
	processed map[uuid.UUID]bool
}

func (m *memIdem) MarkIfUnprocessed(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed == nil {
		m.processed = map[uuid.UUID]bool{}
	}
	if m.processed[id] {
		return false, nil
	}
	m.processed[id] = true
	return true, nil
}

func (m *memIdem) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, id)
	return nil
}

type memRollout struct {
	mu     sync.Mutex
	counts map[string]int64
	ready  []string
}

func (m *memRollout) IncrFeedbackCount(ctx context.Context, weightSetID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.counts[weightSetID]++
	return m.counts[weightSetID], nil
}

func (m *memRollout) CandidateReady(ctx context.Context, weightSetID string, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, weightSetID)
	return nil
}

type memArchive struct {
	events []*domain.FeedbackEvent
}

func (m *memArchive) Create(ctx context.Context, event *domain.FeedbackEvent) error {
	m.events = append(m.events, event)
	return nil
}

func newTestProcessor(t *testing.T, rollout RolloutBus, archive Archive) (*Processor, *gating.Network, *gating.TraversalStore, uuid.UUID) {
	t.Helper()
	log := testLogger(t)
	userID := uuid.New()
	profiles := &stubProfiles{profiles: map[uuid.UUID]domain.UserProfile{
		userID: {UserID: userID, Role: "magistrato", HistoricalAccuracy: 0.9, ConsensusRate: 0.9, Reputation: 0.9},
	}}
	scorer, err := NewScorer(profiles, nil, log)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	gate, err := gating.NewNetwork(4, log)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	traversal, err := gating.NewTraversalStore(nil, log)
	if err != nil {
		t.Fatalf("NewTraversalStore: %v", err)
	}
	p, err := NewProcessor(Deps{
		Scorer:    scorer,
		Gate:      gate,
		Traversal: traversal,
		Idem:      &memIdem{},
		Rollout:   rollout,
		Archive:   archive,
		Log:       log,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p, gate, traversal, userID
}

func record(userID uuid.UUID) domain.FeedbackRecord {
	return domain.FeedbackRecord{
		ID:             uuid.New(),
		RequestID:      uuid.New(),
		UserID:         userID,
		Rating:         5,
		ExpertCorrect:  map[domain.ExpertID]bool{domain.ExpertPrecedent: true},
		Relations:      []domain.RelationFeedback{{Expert: domain.ExpertPrecedent, Relation: domain.RelationInterprets, Useful: true}},
		QueryEmbedding: []float32{1, 0, 0, 0},
	}
}

func TestIngestAppliesExactlyOnce(t *testing.T) {
	p, _, traversal, userID := newTestProcessor(t, &memRollout{}, nil)
	rec := record(userID)

	before := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if err := p.Ingest(context.Background(), rec); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	afterFirst := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if afterFirst <= before {
		t.Fatalf("useful relation feedback should raise the weight: %f -> %f", before, afterFirst)
	}

	err := p.Ingest(context.Background(), rec)
	if !errors.Is(err, pkgerrors.ErrDuplicateFeedback) {
		t.Fatalf("expected ErrDuplicateFeedback, got %v", err)
	}
	if w := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets); w != afterFirst {
		t.Fatalf("duplicate delivery changed the weight: %f -> %f", afterFirst, w)
	}
}

func TestIngestMovesGatingTowardConfirmedExpert(t *testing.T) {
	p, gate, _, userID := newTestProcessor(t, &memRollout{}, nil)

	emb := []float32{1, 0, 0, 0}
	before := gate.Route(emb)[domain.ExpertPrecedent]
	for i := 0; i < 30; i++ {
		rec := record(userID)
		rec.QueryEmbedding = emb
		if err := p.Ingest(context.Background(), rec); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	after := gate.Route(emb)[domain.ExpertPrecedent]
	if after <= before {
		t.Fatalf("confirmed expert weight did not rise: %f -> %f", before, after)
	}
}

func TestIngestNegativeRelationFeedbackLowersWeight(t *testing.T) {
	p, _, traversal, userID := newTestProcessor(t, &memRollout{}, nil)
	rec := record(userID)
	rec.Relations = []domain.RelationFeedback{{Expert: domain.ExpertLiteral, Relation: domain.RelationModifies, Useful: false}}

	before := traversal.Weight(domain.ExpertLiteral, domain.RelationModifies)
	if err := p.Ingest(context.Background(), rec); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if after := traversal.Weight(domain.ExpertLiteral, domain.RelationModifies); after >= before {
		t.Fatalf("negative feedback should lower the weight: %f -> %f", before, after)
	}
}

func TestIngestUnknownUserRejected(t *testing.T) {
	log := testLogger(t)
	profiles := &stubProfiles{profiles: map[uuid.UUID]domain.UserProfile{}}
	scorer, err := NewScorer(profiles, nil, log)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	gate, _ := gating.NewNetwork(4, log)
	traversal, _ := gating.NewTraversalStore(nil, log)
	p, err := NewProcessor(Deps{Scorer: scorer, Gate: gate, Traversal: traversal, Idem: &memIdem{}, Log: log})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	userID := uuid.New()
	rec := record(userID) // not yet in the profile store

	before := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if err := p.Ingest(context.Background(), rec); !errors.Is(err, pkgerrors.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if after := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets); after != before {
		t.Fatal("rejected feedback must not touch the weights")
	}

	// The claim was released, so once the account exists a redelivery of the
	// same id applies instead of reading as a duplicate.
	profiles.profiles[userID] = domain.UserProfile{UserID: userID, Role: "avvocato", HistoricalAccuracy: 0.8, ConsensusRate: 0.8, Reputation: 0.8}
	if err := p.Ingest(context.Background(), rec); err != nil {
		t.Fatalf("retry after provisioning should apply, got %v", err)
	}
	if after := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets); after <= before {
		t.Fatalf("retry did not apply the update: %f -> %f", before, after)
	}
}

func TestIngestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	p, _, traversal, userID := newTestProcessor(t, &memRollout{}, nil)
	rec := record(userID)

	single, _, singleTraversal, singleUser := newTestProcessor(t, &memRollout{}, nil)
	srec := record(singleUser)
	srec.ID = rec.ID
	if err := single.Ingest(context.Background(), srec); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want := singleTraversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)

	const deliveries = 8
	errs := make(chan error, deliveries)
	var wg sync.WaitGroup
	for g := 0; g < deliveries; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Ingest(context.Background(), rec)
		}()
	}
	wg.Wait()
	close(errs)

	applied, duplicate := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, pkgerrors.ErrDuplicateFeedback):
			duplicate++
		default:
			t.Fatalf("unexpected ingest error: %v", err)
		}
	}
	if applied != 1 || duplicate != deliveries-1 {
		t.Fatalf("got %d applied and %d duplicates, want 1 and %d", applied, duplicate, deliveries-1)
	}
	if got := traversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets); got != want {
		t.Fatalf("concurrent duplicates double-applied: weight=%f want=%f", got, want)
	}
}

func TestIngestConcurrentRecordsAllApply(t *testing.T) {
	const records = 16
	parallel, _, parallelTraversal, parallelUser := newTestProcessor(t, &memRollout{}, nil)
	sequential, _, sequentialTraversal, sequentialUser := newTestProcessor(t, &memRollout{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, records)
	for g := 0; g < records; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- parallel.Ingest(context.Background(), record(parallelUser))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	for i := 0; i < records; i++ {
		if err := sequential.Ingest(context.Background(), record(sequentialUser)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	// Both users share the same profile, so every record carries the same
	// delta and the parallel run must land exactly where the sequential one
	// does. A lost update leaves it short.
	got := parallelTraversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	want := sequentialTraversal.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if got != want {
		t.Fatalf("concurrent ingestion lost updates: weight=%f want=%f", got, want)
	}
}

func TestIngestMissingIDRejected(t *testing.T) {
	p, _, _, userID := newTestProcessor(t, &memRollout{}, nil)
	rec := record(userID)
	rec.ID = uuid.Nil

	if err := p.Ingest(context.Background(), rec); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestIngestEmitsCandidateReadyAtThreshold(t *testing.T) {
	t.Setenv("ROLLOUT_FEEDBACK_THRESHOLD", "2")
	rollout := &memRollout{}
	p, _, _, userID := newTestProcessor(t, rollout, nil)

	for i := 0; i < 4; i++ {
		rec := record(userID)
		rec.Relations = nil // gating counter only
		if err := p.Ingest(context.Background(), rec); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	ready := 0
	for _, id := range rollout.ready {
		if id == "gating" {
			ready++
		}
	}
	if ready != 2 {
		t.Fatalf("expected candidate-ready at counts 2 and 4, got %d emissions", ready)
	}
}

func TestIngestArchivesAppliedFeedback(t *testing.T) {
	archive := &memArchive{}
	p, _, _, userID := newTestProcessor(t, &memRollout{}, archive)
	rec := record(userID)

	if err := p.Ingest(context.Background(), rec); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(archive.events) != 1 {
		t.Fatalf("expected 1 archived event, got %d", len(archive.events))
	}
	ev := archive.events[0]
	if ev.FeedbackID != rec.ID || ev.UserID != userID {
		t.Fatalf("archived event mismatch: %+v", ev)
	}
	if ev.Authority <= 0 {
		t.Fatalf("archived authority = %f, want > 0", ev.Authority)
	}
	if len(ev.Payload) == 0 {
		t.Fatal("archived payload empty")
	}
}
