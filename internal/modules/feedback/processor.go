package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// IdempotenceStore tracks which feedback ids were already applied.
type IdempotenceStore interface {
	// MarkIfUnprocessed atomically claims the feedback id. It reports true
	// for exactly one delivery per id; every other delivery, concurrent or
	// later, gets false.
	MarkIfUnprocessed(ctx context.Context, feedbackID uuid.UUID) (bool, error)
	// ReleaseClaim undoes a claim whose record could not be applied, so a
	// corrected redelivery is not mistaken for a duplicate.
	ReleaseClaim(ctx context.Context, feedbackID uuid.UUID) error
}

// RolloutBus notifies the external A/B controller about candidate weight sets.
type RolloutBus interface {
	IncrFeedbackCount(ctx context.Context, weightSetID string) (int64, error)
	CandidateReady(ctx context.Context, weightSetID string, count int64) error
}

// Archive persists applied feedback for downstream training-example
// generation. Optional.
type Archive interface {
	Create(ctx context.Context, event *domain.FeedbackEvent) error
}

// Deps wires the processor. Gate and Traversal are the same live weight
// objects the request path reads; their Update methods serialize, so Ingest
// may run from concurrent handler goroutines.
type Deps struct {
	Scorer    *Scorer
	Gate      *gating.Network
	Traversal *gating.TraversalStore
	Idem      IdempotenceStore
	Rollout   RolloutBus
	Archive   Archive
	Log       *logger.Logger
}

// Processor turns user feedback into weight updates, scaled by the
// feedback-giver's authority.
type Processor struct {
	deps             Deps
	rolloutThreshold int64
}

func NewProcessor(deps Deps) (*Processor, error) {
	if deps.Scorer == nil || deps.Gate == nil || deps.Traversal == nil || deps.Idem == nil || deps.Log == nil {
		return nil, fmt.Errorf("feedback: processor requires scorer, gate, traversal, idempotence store and logger")
	}
	return &Processor{
		deps:             deps,
		rolloutThreshold: int64(envutil.Int("ROLLOUT_FEEDBACK_THRESHOLD", 100)),
	}, nil
}

// Ingest applies one feedback record exactly once. Re-delivery of a known id
// is a no-op returning ErrDuplicateFeedback; an unknown user returns
// ErrUnknownUser. Neither ever reaches the query path.
func (p *Processor) Ingest(ctx context.Context, rec domain.FeedbackRecord) error {
	if rec.ID == uuid.Nil {
		return fmt.Errorf("feedback: %w: missing id", pkgerrors.ErrInvalidArgument)
	}

	// Claim the id before touching the weights so two concurrent deliveries
	// of the same record cannot both pass a check and double-apply.
	claimed, err := p.deps.Idem.MarkIfUnprocessed(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("feedback: idempotence claim: %w", err)
	}
	if !claimed {
		return pkgerrors.ErrDuplicateFeedback
	}

	authority, err := p.deps.Scorer.Score(ctx, rec.UserID)
	if err != nil {
		p.releaseClaim(ctx, rec.ID)
		return err
	}

	if len(rec.ExpertCorrect) > 0 {
		p.deps.Gate.Update(rec.QueryEmbedding, gatingTarget(rec.ExpertCorrect), authority*ratingScale(rec.Rating))
		p.bumpWeightSet(ctx, "gating")
	}

	step := envutil.Float("TRAVERSAL_UPDATE_STEP", 0.2)
	touched := map[domain.ExpertID]bool{}
	for _, rf := range rec.Relations {
		delta := step * authority
		if !rf.Useful {
			delta = -delta
		}
		p.deps.Traversal.Update(rf.Expert, rf.Relation, delta)
		touched[rf.Expert] = true
	}
	for id := range touched {
		p.bumpWeightSet(ctx, "traversal:"+string(id))
	}

	p.archive(ctx, rec, authority)
	p.deps.Log.Info("feedback applied",
		"feedback_id", rec.ID.String(),
		"user_id", rec.UserID.String(),
		"authority", authority,
	)
	return nil
}

// gatingTarget converts correctness flags into a soft target distribution:
// confirmed experts share most of the mass, contradicted ones keep a sliver.
func gatingTarget(correct map[domain.ExpertID]bool) gating.Weights {
	raw := make(gating.Weights, len(domain.AllExperts))
	var total float64
	for _, id := range domain.AllExperts {
		flag, judged := correct[id]
		switch {
		case !judged:
			raw[id] = 0
		case flag:
			raw[id] = 1.0
		default:
			raw[id] = 0.25
		}
		total += raw[id]
	}
	if total == 0 {
		return raw
	}
	for id := range raw {
		raw[id] /= total
	}
	return raw
}

func ratingScale(rating int) float64 {
	if rating < 1 {
		rating = 1
	}
	if rating > 5 {
		rating = 5
	}
	return float64(rating) / 5
}

func (p *Processor) releaseClaim(ctx context.Context, feedbackID uuid.UUID) {
	if err := p.deps.Idem.ReleaseClaim(ctx, feedbackID); err != nil {
		// The claim stays; a retry of this record would read as a duplicate
		// until the key expires.
		p.deps.Log.Error("claim release failed", "feedback_id", feedbackID.String(), "error", err)
	}
}

func (p *Processor) bumpWeightSet(ctx context.Context, weightSetID string) {
	if p.deps.Rollout == nil {
		return
	}
	count, err := p.deps.Rollout.IncrFeedbackCount(ctx, weightSetID)
	if err != nil {
		p.deps.Log.Warn("feedback counter failed", "weight_set_id", weightSetID, "error", err)
		return
	}
	if p.rolloutThreshold > 0 && count%p.rolloutThreshold == 0 {
		if err := p.deps.Rollout.CandidateReady(ctx, weightSetID, count); err != nil {
			p.deps.Log.Warn("candidate-ready emit failed", "weight_set_id", weightSetID, "error", err)
		}
	}
}

func (p *Processor) archive(ctx context.Context, rec domain.FeedbackRecord, authority float64) {
	if p.deps.Archive == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		p.deps.Log.Warn("feedback payload marshal failed", "error", err)
		return
	}
	event := &domain.FeedbackEvent{
		ID:         uuid.New(),
		FeedbackID: rec.ID,
		RequestID:  rec.RequestID,
		UserID:     rec.UserID,
		Rating:     rec.Rating,
		Authority:  authority,
		WeightSet:  "gating",
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.deps.Archive.Create(ctx, event); err != nil {
		p.deps.Log.Warn("feedback archive write failed", "feedback_id", rec.ID.String(), "error", err)
	}
}
