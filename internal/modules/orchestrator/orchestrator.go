package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/experts"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// Analyzer is what the orchestrator needs from one bound expert.
type Analyzer interface {
	Analyze(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext) (domain.ExpertOpinion, experts.RunStats)
}

// Deps wires the orchestrator to its parts.
type Deps struct {
	Router  *Router
	Experts map[domain.ExpertID]Analyzer
	Gate    *gating.Network
	Synth   *Synthesizer
	Embed   Embedder
	Log     *logger.Logger
}

// Orchestrator runs one query end to end: plan, parallel expert fan-out,
// synthesis. Per-request state never leaves the request's task group; the
// gating network and traversal store are the only cross-request state.
type Orchestrator struct {
	deps          Deps
	expertTimeout time.Duration
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Router == nil || deps.Synth == nil || deps.Gate == nil || deps.Log == nil {
		return nil, fmt.Errorf("orchestrator: router, synthesizer, gate and logger required")
	}
	if len(deps.Experts) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one expert required")
	}
	return &Orchestrator{
		deps:          deps,
		expertTimeout: envutil.Duration("EXPERT_TIMEOUT", 5*time.Second),
	}, nil
}

// HandleQuery is the surface collaborators call. Fatal errors are the plan
// errors and InsufficientEvidenceError; expert failures degrade silently
// into the trace.
func (o *Orchestrator) HandleQuery(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext) (domain.SynthesizedAnswer, error) {
	start := time.Now()
	log := o.deps.Log.With("request_id", qc.ID.String())

	plan, err := o.deps.Router.GeneratePlan(ctx, qc, ec)
	if err != nil {
		return domain.SynthesizedAnswer{}, err
	}

	selected := make([]domain.ExpertID, 0, len(plan.Experts))
	for _, id := range plan.Experts {
		if _, ok := o.deps.Experts[id]; ok {
			selected = append(selected, id)
		} else {
			log.Warn("plan selected unavailable expert", "expert", id)
		}
	}

	queryEmb := o.queryEmbedding(ctx, qc, log)
	weights := o.deps.Gate.Route(queryEmb)

	opinions := make([]domain.ExpertOpinion, len(selected))
	runs := make([]domain.ExpertRunTrace, len(selected))

	// All selected experts run concurrently, each under its own timeout.
	// The join waits for every expert: a timeout becomes a degraded
	// opinion, it never cancels the siblings.
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range selected {
		i, id := i, id
		g.Go(func() error {
			expertCtx, cancel := context.WithTimeout(gctx, o.expertTimeout)
			defer cancel()
			began := time.Now()
			opinion, stats := o.deps.Experts[id].Analyze(expertCtx, qc, ec)
			opinions[i] = opinion
			runs[i] = domain.ExpertRunTrace{
				Expert:     id,
				Duration:   time.Since(began),
				ToolCalls:  stats.ToolCalls,
				TimedOut:   opinion.TimedOut(),
				Confidence: opinion.Confidence,
			}
			return nil
		})
	}
	_ = g.Wait()

	answer, err := o.deps.Synth.Synthesize(ctx, opinions, weights)
	if err != nil {
		return domain.SynthesizedAnswer{}, err
	}

	answer.RequestID = qc.ID
	answer.Trace.PlanRetries = plan.Retries
	answer.Trace.ExpertRuns = runs
	answer.Trace.Duration = time.Since(start)
	log.Info("query answered",
		"mode", string(answer.Mode),
		"confidence", answer.Confidence,
		"experts", len(selected),
		"duration_ms", answer.Trace.Duration.Milliseconds(),
	)
	return answer, nil
}

func (o *Orchestrator) queryEmbedding(ctx context.Context, qc domain.QueryContext, log *logger.Logger) []float32 {
	if o.deps.Embed == nil {
		return nil
	}
	embs, err := o.deps.Embed.Embed(ctx, []string{qc.Text})
	if err != nil || len(embs) == 0 {
		// Routing falls back to the gating priors.
		log.Warn("query embedding unavailable", "error", err)
		return nil
	}
	return embs[0]
}
