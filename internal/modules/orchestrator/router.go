package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/merlt/merlt-backend/internal/domain"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
	"github.com/merlt/merlt-backend/internal/platform/openai"
)

// Router turns a query into a validated ExecutionPlan through a bounded
// GENERATE → VALIDATE loop. Each rejection reason is fed back into the next
// generation prompt so the model sees corrective feedback. The loop is
// strictly sequential: every retry depends on the previous rejection.
type Router struct {
	ai         openai.Client
	log        *logger.Logger
	maxRetries int
}

func NewRouter(ai openai.Client, log *logger.Logger) (*Router, error) {
	if ai == nil || log == nil {
		return nil, fmt.Errorf("orchestrator: router requires ai client and logger")
	}
	return &Router{
		ai:         ai,
		log:        log.With("service", "PlanRouter"),
		maxRetries: envutil.Int("ROUTER_MAX_RETRIES", 3),
	}, nil
}

// Intents that force a specific expert into the plan.
var requiredExpertByIntent = map[string]domain.ExpertID{
	"bilanciamento_diritti":          domain.ExpertPrinciples,
	"interpretazione_sistematica":    domain.ExpertSystemic,
	"orientamento_giurisprudenziale": domain.ExpertPrecedent,
}

// GeneratePlan returns a validated plan, or MaxRetriesError once the retry
// budget is spent, or PlanGenerationError when every model provider failed.
// It never returns a plan that failed validation.
func (r *Router) GeneratePlan(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext) (domain.ExecutionPlan, error) {
	rejection := ""
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		candidate, err := r.generate(ctx, qc, ec, rejection)
		if err != nil {
			return domain.ExecutionPlan{}, &pkgerrors.PlanGenerationError{Attempts: attempt, Err: err}
		}
		reason := validatePlan(candidate, qc)
		if reason == "" {
			candidate.Retries = attempt - 1
			r.log.Debug("plan accepted", "attempt", attempt, "experts", candidate.Experts)
			return candidate, nil
		}
		r.log.Warn("plan rejected", "attempt", attempt, "reason", reason)
		rejection = reason
	}
	return domain.ExecutionPlan{}, &pkgerrors.MaxRetriesError{Retries: r.maxRetries, LastReason: rejection}
}

func (r *Router) generate(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext, rejection string) (domain.ExecutionPlan, error) {
	expertNames := make([]any, 0, len(domain.AllExperts))
	for _, id := range domain.AllExperts {
		expertNames = append(expertNames, string(id))
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"retrieval": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"semantic_search": map[string]any{"type": "boolean"},
					"graph_traversal": map[string]any{"type": "boolean"},
					"citation_lookup": map[string]any{"type": "boolean"},
				},
				"required": []any{"semantic_search", "graph_traversal", "citation_lookup"},
			},
			"experts": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": expertNames},
			},
			"max_iterations": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			"min_confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []any{"retrieval", "experts", "max_iterations", "min_confidence"},
	}

	system := strings.TrimSpace(strings.Join([]string{
		"You plan how a panel of legal reasoning experts answers a question.",
		"Pick the experts the question actually needs:",
		"- literal: wording, definitions, narrow/definitional questions",
		"- systemic: how the provision sits inside the legal order",
		"- principles: constitutional principles and balancing of rights",
		"- precedent: case law and jurisprudential orientation",
		"Simple definitional questions need one expert; complex or contested",
		"questions need several. Enable the retrieval agents the chosen",
		"experts will rely on. Return ONLY JSON matching the schema.",
	}, "\n"))

	lines := []string{
		"QUESTION:",
		qc.Text,
		"",
		"DETECTED_INTENT: " + defaultString(qc.PrimaryIntent(), "(none)"),
		fmt.Sprintf("COMPLEXITY: %.2f", qc.Complexity),
		"KNOWLEDGE_CANDIDATES: " + fmt.Sprintf("%d concepts, %d norms", len(ec.Concepts), len(ec.Norms)),
	}
	if rejection != "" {
		lines = append(lines, "", "PREVIOUS_PLAN_REJECTED_BECAUSE:", rejection, "Fix exactly this problem in the new plan.")
	}
	user := strings.TrimSpace(strings.Join(lines, "\n"))

	obj, err := r.ai.GenerateJSON(ctx, system, user, "execution_plan_v1", schema)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	plan := domain.ExecutionPlan{}
	b, _ := json.Marshal(obj)
	_ = json.Unmarshal(b, &plan)
	plan.Experts = dedupeExperts(plan.Experts)
	if plan.MaxIterations <= 0 {
		plan.MaxIterations = 3
	}
	if plan.MinConfidence < 0 {
		plan.MinConfidence = 0
	}
	if plan.MinConfidence > 1 {
		plan.MinConfidence = 1
	}
	return plan, nil
}

// validatePlan returns "" for a valid plan, otherwise the rejection reason.
func validatePlan(plan domain.ExecutionPlan, qc domain.QueryContext) string {
	if !plan.Retrieval.Any() {
		return "no retrieval agent enabled; enable at least one of semantic_search, graph_traversal, citation_lookup"
	}
	if len(plan.Experts) == 0 {
		return "no expert selected; select at least one expert"
	}
	for _, id := range plan.Experts {
		if domain.ExpertIndex(id) < 0 {
			return fmt.Sprintf("unknown expert %q", id)
		}
	}
	minConf := envutil.Float("ROUTER_INTENT_MIN_CONFIDENCE", 0.3)
	for _, intent := range qc.Intents {
		if intent.Confidence < minConf {
			continue
		}
		required, ok := requiredExpertByIntent[intent.Name]
		if ok && !plan.HasExpert(required) {
			return fmt.Sprintf("intent %q requires the %s expert", intent.Name, required)
		}
	}
	return ""
}

func dedupeExperts(in []domain.ExpertID) []domain.ExpertID {
	seen := map[domain.ExpertID]bool{}
	out := make([]domain.ExpertID, 0, len(in))
	for _, id := range in {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
