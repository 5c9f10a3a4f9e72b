package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// Embedder is the slice of the language-model client synthesis needs.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Synthesizer combines gating weights and expert opinions into one answer,
// convergent when the experts agree and divergent when they do not.
type Synthesizer struct {
	embed Embedder
	log   *logger.Logger
}

func NewSynthesizer(embed Embedder, log *logger.Logger) (*Synthesizer, error) {
	if log == nil {
		return nil, fmt.Errorf("orchestrator: synthesizer requires logger")
	}
	return &Synthesizer{embed: embed, log: log.With("service", "Synthesizer")}, nil
}

var roleHeading = map[domain.ExpertID]string{
	domain.ExpertLiteral:    "Textual basis",
	domain.ExpertSystemic:   "Systemic context",
	domain.ExpertPrinciples: "Constitutional framing",
	domain.ExpertPrecedent:  "Case-law confirmation",
}

// Synthesize builds the final answer. Opinions that timed out or failed are
// excluded from composition but still appear in the contribution record.
// With zero usable opinions it fails with InsufficientEvidenceError.
func (s *Synthesizer) Synthesize(ctx context.Context, opinions []domain.ExpertOpinion, weights gating.Weights) (domain.SynthesizedAnswer, error) {
	usable := make([]domain.ExpertOpinion, 0, len(opinions))
	for _, op := range opinions {
		if op.TimedOut() || op.HasLimitation(domain.LimitationExpertError) {
			continue
		}
		usable = append(usable, op)
	}
	if len(usable) == 0 {
		return domain.SynthesizedAnswer{}, &pkgerrors.InsufficientEvidenceError{
			Requested: len(opinions),
			Usable:    0,
		}
	}

	agreement := s.agreement(ctx, usable)
	threshold := envutil.Float("SYNTH_AGREEMENT_THRESHOLD", 0.7)

	answer := domain.SynthesizedAnswer{
		Contributions: contributions(opinions, usable, weights),
	}
	answer.Trace.Agreement = agreement

	if agreement >= threshold {
		answer.Mode = domain.ModeConvergent
		answer.Text = s.composeConvergent(usable, weights)
		answer.Confidence = weightedConfidence(usable, weights)
	} else {
		answer.Mode = domain.ModeDivergent
		answer.Text = s.composeDivergent(usable, weights)
		// Residual uncertainty: the wider the disagreement, the lower the
		// aggregate confidence, always strictly below the contributing max.
		spread := 1 - agreement
		answer.Confidence = weightedConfidence(usable, weights) * (1 - spread)
	}
	return answer, nil
}

// agreement is the minimum pairwise similarity between opinion conclusions.
// A single opinion is vacuously in full agreement with itself.
func (s *Synthesizer) agreement(ctx context.Context, usable []domain.ExpertOpinion) float64 {
	if len(usable) < 2 {
		return 1.0
	}
	texts := make([]string, len(usable))
	for i, op := range usable {
		texts[i] = op.Interpretation
	}

	var vectors [][]float32
	if s.embed != nil {
		embs, err := s.embed.Embed(ctx, texts)
		if err != nil {
			s.log.Warn("conclusion embedding failed, falling back to token overlap", "error", err)
		} else {
			vectors = embs
		}
	}

	min := 1.0
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			var sim float64
			if vectors != nil {
				sim = cosine(vectors[i], vectors[j])
			} else {
				sim = jaccard(texts[i], texts[j])
			}
			if sim < min {
				min = sim
			}
		}
	}
	return min
}

func (s *Synthesizer) composeConvergent(usable []domain.ExpertOpinion, weights gating.Weights) string {
	byID := make(map[domain.ExpertID]domain.ExpertOpinion, len(usable))
	for _, op := range usable {
		byID[op.Expert] = op
	}
	var b strings.Builder
	for _, id := range domain.AllExperts {
		op, ok := byID[id]
		if !ok || strings.TrimSpace(op.Interpretation) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", roleHeading[id], strings.TrimSpace(op.Interpretation))
	}
	return strings.TrimSpace(b.String())
}

func (s *Synthesizer) composeDivergent(usable []domain.ExpertOpinion, weights gating.Weights) string {
	favored := favoredExpert(usable, weights)
	var b strings.Builder
	b.WriteString("The experts read this question differently; the interpretations are presented side by side rather than forced into one answer.\n\n")
	for _, op := range usable {
		fmt.Fprintf(&b, "According to the %s expert (weight %.2f): %s\n\n",
			op.Expert, weights[op.Expert], strings.TrimSpace(op.Interpretation))
	}
	if favored != "" {
		fmt.Fprintf(&b, "Current routing weights favor the %s reading, based on feedback from comparable questions.", favored)
	}
	return strings.TrimSpace(b.String())
}

func favoredExpert(usable []domain.ExpertOpinion, weights gating.Weights) domain.ExpertID {
	var best domain.ExpertID
	bestW := -1.0
	for _, op := range usable {
		if w := weights[op.Expert]; w > bestW {
			best = op.Expert
			bestW = w
		}
	}
	return best
}

func weightedConfidence(usable []domain.ExpertOpinion, weights gating.Weights) float64 {
	var num, den float64
	for _, op := range usable {
		w := weights[op.Expert]
		num += w * op.Confidence
		den += w
	}
	if den == 0 {
		// Gating assigned no mass to any usable expert; plain average.
		for _, op := range usable {
			num += op.Confidence
		}
		return num / float64(len(usable))
	}
	return num / den
}

func contributions(all, usable []domain.ExpertOpinion, weights gating.Weights) []domain.ExpertContribution {
	included := make(map[domain.ExpertID]bool, len(usable))
	for _, op := range usable {
		included[op.Expert] = true
	}
	out := make([]domain.ExpertContribution, 0, len(all))
	for _, op := range all {
		out = append(out, domain.ExpertContribution{
			Expert:     op.Expert,
			Weight:     weights[op.Expert],
			Confidence: op.Confidence,
			Included:   included[op.Expert],
		})
	}
	return out
}
