package gating

import (
	"math"
	"sync"
	"testing"

	"github.com/merlt/merlt-backend/internal/domain"
)

func TestTraversalPriorsApplied(t *testing.T) {
	priors := map[domain.ExpertID]map[string]float64{
		domain.ExpertLiteral: {domain.RelationDefines: 0.85},
	}
	s, err := NewTraversalStore(priors, testLogger(t))
	if err != nil {
		t.Fatalf("NewTraversalStore: %v", err)
	}

	if w := s.Weight(domain.ExpertLiteral, domain.RelationDefines); math.Abs(w-0.85) > 1e-6 {
		t.Fatalf("prior weight = %f, want 0.85", w)
	}
	// Unseeded relations sit at the neutral midpoint.
	if w := s.Weight(domain.ExpertLiteral, domain.RelationOverrules); math.Abs(w-0.5) > 1e-9 {
		t.Fatalf("unseeded weight = %f, want 0.5", w)
	}
	if w := s.Weight(domain.ExpertID("unknown"), domain.RelationDefines); w != 0.5 {
		t.Fatalf("unknown expert weight = %f, want 0.5", w)
	}
}

func TestTraversalUpdateDirectionAndClamp(t *testing.T) {
	s, _ := NewTraversalStore(nil, testLogger(t))

	before := s.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	s.Update(domain.ExpertPrecedent, domain.RelationInterprets, 0.5)
	after := s.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if after <= before {
		t.Fatalf("positive delta did not raise weight: %f -> %f", before, after)
	}

	for i := 0; i < 100; i++ {
		s.Update(domain.ExpertPrecedent, domain.RelationInterprets, 1)
	}
	capped := s.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if capped >= 1 {
		t.Fatalf("weight escaped (0,1): %f", capped)
	}
	if capped < 0.99 {
		t.Fatalf("repeated positive updates should saturate near 1, got %f", capped)
	}

	for i := 0; i < 200; i++ {
		s.Update(domain.ExpertPrecedent, domain.RelationInterprets, -1)
	}
	floored := s.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if floored <= 0 || floored > 0.01 {
		t.Fatalf("repeated negative updates should saturate near 0, got %f", floored)
	}
}

func TestParallelUpdatesAccumulate(t *testing.T) {
	s, _ := NewTraversalStore(nil, testLogger(t))
	const workers, perWorker = 16, 250
	const delta = 0.001

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Update(domain.ExpertPrecedent, domain.RelationInterprets, delta)
			}
		}()
	}
	wg.Wait()

	var expected float64
	for i := 0; i < workers*perWorker; i++ {
		expected += delta
	}
	got := s.Weight(domain.ExpertPrecedent, domain.RelationInterprets)
	if want := sigmoid(expected); math.Abs(got-want) > 1e-12 {
		t.Fatalf("concurrent deltas lost: weight=%f want=%f (logit %f)", got, want, expected)
	}
}

func TestWeightsForReturnsCopy(t *testing.T) {
	s, _ := NewTraversalStore(nil, testLogger(t))
	m := s.WeightsFor(domain.ExpertLiteral)
	m[domain.RelationDefines] = 99

	if w := s.Weight(domain.ExpertLiteral, domain.RelationDefines); w == 99 {
		t.Fatal("mutating the returned map leaked into the store")
	}
}

func TestExportCoversAllExperts(t *testing.T) {
	s, _ := NewTraversalStore(nil, testLogger(t))
	out := s.Export()
	if len(out) != len(domain.AllExperts) {
		t.Fatalf("export has %d experts, want %d", len(out), len(domain.AllExperts))
	}
	for _, id := range domain.AllExperts {
		if len(out[id]) != len(domain.AllRelations) {
			t.Fatalf("expert %s exports %d relations, want %d", id, len(out[id]), len(domain.AllRelations))
		}
	}
}
