package gating

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// Weights is a probability distribution over the expert set.
type Weights map[domain.ExpertID]float64

// parameters is one immutable snapshot of the gating layer. Readers grab the
// live pointer; writers clone, mutate and swap under the writer mutex, so a
// reader sees either the pre- or post-update snapshot and never a torn
// state, and no update can overwrite another.
type parameters struct {
	dim     int
	weights [][]float64 // [expert][dim]
	bias    []float64   // [expert]
}

// Network maps a query embedding to a distribution over the four experts.
type Network struct {
	live atomic.Pointer[parameters]
	// wr serializes the clone-and-swap in Update. Feedback arrives from
	// concurrent handler goroutines; without it two updates could load the
	// same snapshot and the second swap would drop the first delta.
	wr  sync.Mutex
	log *logger.Logger
}

// Domain prior: definitional queries lean literal, case-law queries are the
// minority. Expressed as initial bias logits so the cold-start distribution
// is non-uniform.
var priorBias = map[domain.ExpertID]float64{
	domain.ExpertLiteral:    0.35,
	domain.ExpertSystemic:   0.10,
	domain.ExpertPrinciples: 0.05,
	domain.ExpertPrecedent:  -0.10,
}

func NewNetwork(dim int, log *logger.Logger) (*Network, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("gating: embedding dim must be positive, got %d", dim)
	}
	if log == nil {
		return nil, fmt.Errorf("gating: logger required")
	}
	p := &parameters{
		dim:     dim,
		weights: make([][]float64, len(domain.AllExperts)),
		bias:    make([]float64, len(domain.AllExperts)),
	}
	for i, id := range domain.AllExperts {
		p.weights[i] = make([]float64, dim)
		p.bias[i] = priorBias[id]
	}
	n := &Network{log: log.With("service", "GatingNetwork")}
	n.live.Store(p)
	return n, nil
}

// Route returns the current distribution for the given query embedding.
// A nil or short embedding is zero-padded; extra dimensions are ignored.
// The output is always non-negative and sums to 1.
func (n *Network) Route(embedding []float32) Weights {
	p := n.live.Load()
	logits := p.logits(embedding)
	probs := softmax(logits)
	out := make(Weights, len(domain.AllExperts))
	for i, id := range domain.AllExperts {
		out[id] = probs[i]
	}
	return out
}

// Update nudges the parameters toward target (a distribution over experts),
// scaled by the learning rate and the feedback-giver's authority. Writers
// serialize on the mutex; concurrent Route calls stay lock-free and never
// observe a partial update.
func (n *Network) Update(embedding []float32, target Weights, authorityScale float64) {
	if authorityScale <= 0 {
		return
	}
	if authorityScale > 1 {
		authorityScale = 1
	}
	lr := envutil.Float("GATING_LEARNING_RATE", 0.05) * authorityScale

	n.wr.Lock()
	defer n.wr.Unlock()
	old := n.live.Load()
	next := old.clone()

	logits := old.logits(embedding)
	probs := softmax(logits)
	for i, id := range domain.AllExperts {
		t, ok := target[id]
		if !ok {
			t = 0
		}
		grad := t - probs[i]
		step := lr * grad
		next.bias[i] += step
		for j := 0; j < next.dim && j < len(embedding); j++ {
			next.weights[i][j] += step * float64(embedding[j])
		}
	}
	n.live.Store(next)
	n.log.Debug("gating parameters updated", "lr", lr)
}

// Snapshot exports the current distribution priors (bias-only routing) for
// the weight-export surface.
func (n *Network) Snapshot() Weights {
	return n.Route(nil)
}

func (p *parameters) clone() *parameters {
	next := &parameters{
		dim:     p.dim,
		weights: make([][]float64, len(p.weights)),
		bias:    append([]float64(nil), p.bias...),
	}
	for i, row := range p.weights {
		next.weights[i] = append([]float64(nil), row...)
	}
	return next
}

func (p *parameters) logits(embedding []float32) []float64 {
	out := make([]float64, len(p.weights))
	for i := range p.weights {
		sum := p.bias[i]
		for j := 0; j < p.dim && j < len(embedding); j++ {
			sum += p.weights[i][j] * float64(embedding[j])
		}
		out[i] = sum
	}
	return out
}

func softmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var total float64
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
