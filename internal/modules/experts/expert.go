package experts

import (
	"context"

	"github.com/merlt/merlt-backend/internal/domain"
)

// Expert is one profile bound to the shared harness.
type Expert struct {
	harness *Harness
	profile Profile
}

// Bind pairs every profile with the harness, keyed by expert id.
func Bind(h *Harness, profiles map[domain.ExpertID]Profile) map[domain.ExpertID]*Expert {
	out := make(map[domain.ExpertID]*Expert, len(profiles))
	for id, p := range profiles {
		out[id] = &Expert{harness: h, profile: p}
	}
	return out
}

func (e *Expert) Analyze(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext) (domain.ExpertOpinion, RunStats) {
	return e.harness.Analyze(ctx, e.profile, qc, ec)
}
