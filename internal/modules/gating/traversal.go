package gating

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// relationLogits is one immutable snapshot of every expert's per-relation
// logit map. Same serialized-writer/lock-free-reader discipline as the
// gating parameters.
type relationLogits map[domain.ExpertID]map[string]float64

// TraversalStore holds each expert's learned preference for following a
// given graph relation type. Stored as logits, exposed through a sigmoid so
// the weight always lands in (0,1).
type TraversalStore struct {
	live atomic.Pointer[relationLogits]
	// wr serializes Update's clone-and-swap so concurrent feedback cannot
	// drop each other's deltas.
	wr  sync.Mutex
	log *logger.Logger
}

// NewTraversalStore seeds each expert with its relation priors (weights in
// (0,1)); relations missing from the priors start at logit 0 (weight 0.5).
func NewTraversalStore(priors map[domain.ExpertID]map[string]float64, log *logger.Logger) (*TraversalStore, error) {
	if log == nil {
		return nil, fmt.Errorf("gating: logger required")
	}
	init := relationLogits{}
	for _, id := range domain.AllExperts {
		m := make(map[string]float64, len(domain.AllRelations))
		for _, rel := range domain.AllRelations {
			m[rel] = 0
		}
		for rel, w := range priors[id] {
			m[rel] = logit(w)
		}
		init[id] = m
	}
	s := &TraversalStore{log: log.With("service", "TraversalStore")}
	s.live.Store(&init)
	return s, nil
}

// Weight returns the current (0,1) weight for one expert/relation pair.
func (s *TraversalStore) Weight(expert domain.ExpertID, relation string) float64 {
	snap := *s.live.Load()
	if m, ok := snap[expert]; ok {
		if l, ok := m[relation]; ok {
			return sigmoid(l)
		}
	}
	return 0.5
}

// WeightsFor returns a copy of one expert's full relation → weight map,
// ready to hand to the graph traversal call.
func (s *TraversalStore) WeightsFor(expert domain.ExpertID) map[string]float64 {
	snap := *s.live.Load()
	src, ok := snap[expert]
	if !ok {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(src))
	for rel, l := range src {
		out[rel] = sigmoid(l)
	}
	return out
}

// Update shifts one expert's logit for a relation by delta. Copy-on-write
// under the writer mutex; readers stay on the snapshot.
func (s *TraversalStore) Update(expert domain.ExpertID, relation string, delta float64) {
	s.wr.Lock()
	defer s.wr.Unlock()
	old := *s.live.Load()
	next := make(relationLogits, len(old))
	for id, m := range old {
		cp := make(map[string]float64, len(m))
		for rel, l := range m {
			cp[rel] = l
		}
		next[id] = cp
	}
	m, ok := next[expert]
	if !ok {
		m = map[string]float64{}
		next[expert] = m
	}
	l := m[relation] + delta
	// Keep logits in a sane band so one burst of feedback cannot pin a
	// relation at effectively 0 or 1 forever.
	if l > 6 {
		l = 6
	}
	if l < -6 {
		l = -6
	}
	m[relation] = l
	s.live.Store(&next)
}

// Export returns every expert's relation weights for the export surface.
func (s *TraversalStore) Export() map[domain.ExpertID]map[string]float64 {
	out := make(map[domain.ExpertID]map[string]float64, len(domain.AllExperts))
	for _, id := range domain.AllExperts {
		out[id] = s.WeightsFor(id)
	}
	return out
}

func sigmoid(l float64) float64 {
	return 1 / (1 + math.Exp(-l))
}

func logit(w float64) float64 {
	const eps = 1e-6
	if w < eps {
		w = eps
	}
	if w > 1-eps {
		w = 1 - eps
	}
	return math.Log(w / (1 - w))
}
