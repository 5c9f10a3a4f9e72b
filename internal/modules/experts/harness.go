package experts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
	"github.com/merlt/merlt-backend/internal/platform/openai"
)

// Deps wires one harness to its collaborators.
type Deps struct {
	AI        openai.Client
	Search    Searcher
	Graph     Traverser
	Traversal *gating.TraversalStore
	Log       *logger.Logger
}

// RunStats is what the orchestrator records into the answer trace.
type RunStats struct {
	ToolCalls int
}

// Harness drives one expert invocation through a bounded state machine:
// DISPATCH → (TOOL_CALL ⇄ TOOL_RESULT)* → FINALIZE. The round cap and the
// context deadline are the only exits besides the model finalizing on its
// own.
type Harness struct {
	deps      Deps
	maxRounds int
}

func NewHarness(deps Deps) (*Harness, error) {
	if deps.AI == nil || deps.Log == nil {
		return nil, fmt.Errorf("experts: harness requires AI client and logger")
	}
	return &Harness{
		deps:      deps,
		maxRounds: envutil.Int("EXPERT_MAX_TOOL_ROUNDS", 5),
	}, nil
}

type actionDecision struct {
	Action    string         `json:"action"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// Analyze runs one expert against the query. It never returns an error:
// timeouts and model failures come back as degraded opinions with
// confidence 0 and an explicit limitation flag, so one broken expert can
// never sink the whole request.
func (h *Harness) Analyze(ctx context.Context, profile Profile, qc domain.QueryContext, ec domain.EnrichedContext) (domain.ExpertOpinion, RunStats) {
	log := h.deps.Log.With("expert", string(profile.ID))
	stats := RunStats{}
	var evidence []Evidence
	var limitations []string

	for round := 1; round <= h.maxRounds; round++ {
		if ctx.Err() != nil {
			return degradedOpinion(profile.ID, domain.LimitationTimedOut), stats
		}

		decision, err := h.nextAction(ctx, profile, qc, ec, evidence, round)
		if err != nil {
			if isDeadline(ctx, err) {
				return degradedOpinion(profile.ID, domain.LimitationTimedOut), stats
			}
			log.Warn("action selection failed", "round", round, "error", err)
			return degradedOpinion(profile.ID, domain.LimitationExpertError), stats
		}
		if decision.Action != "tool" {
			break
		}

		results, ok := h.executeTool(ctx, profile, decision, log)
		if ctx.Err() != nil {
			return degradedOpinion(profile.ID, domain.LimitationTimedOut), stats
		}
		stats.ToolCalls++
		if ok {
			evidence = append(evidence, results...)
		}

		if round == h.maxRounds {
			// Round cap hit without the model finalizing: forced
			// finalization with whatever was gathered.
			limitations = append(limitations, domain.LimitationIncompleteEvidence)
		}
	}

	opinion, err := h.finalize(ctx, profile, qc, evidence, limitations)
	if err != nil {
		if isDeadline(ctx, err) {
			return degradedOpinion(profile.ID, domain.LimitationTimedOut), stats
		}
		log.Warn("finalize failed", "error", err)
		return degradedOpinion(profile.ID, domain.LimitationExpertError), stats
	}
	return opinion, stats
}

func (h *Harness) nextAction(ctx context.Context, profile Profile, qc domain.QueryContext, ec domain.EnrichedContext, evidence []Evidence, round int) (actionDecision, error) {
	toolNames := make([]any, 0, len(profile.Tools))
	toolDescs := make([]string, 0, len(profile.Tools))
	for _, name := range profile.Tools {
		if spec, ok := toolRegistry[name]; ok {
			toolNames = append(toolNames, spec.Name)
			toolDescs = append(toolDescs, "- "+spec.Name+": "+spec.Description)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []any{"tool", "finalize"},
			},
			"tool_name": map[string]any{"type": "string", "enum": toolNames},
			"arguments": map[string]any{"type": "object"},
		},
		"required": []any{"action", "tool_name", "arguments"},
	}

	system := strings.TrimSpace(strings.Join([]string{
		profile.Instruction,
		"",
		"You gather evidence before answering. Decide the next step:",
		"- tool: call one of the tools below to retrieve more evidence",
		"- finalize: you have enough evidence to state your interpretation",
		"Available tools:",
		strings.Join(toolDescs, "\n"),
		fmt.Sprintf("This is evidence round %d of at most %d.", round, h.maxRounds),
		"Return ONLY JSON matching the schema.",
	}, "\n"))

	user := strings.TrimSpace(strings.Join([]string{
		"QUESTION:",
		qc.Text,
		"",
		"DETECTED_INTENT: " + defaultString(qc.PrimaryIntent(), "(none)"),
		"CANDIDATE_CONTEXT:",
		formatEnrichedContext(ec),
		"",
		"EVIDENCE_SO_FAR:",
		formatEvidence(evidence),
	}, "\n"))

	obj, err := h.deps.AI.GenerateJSON(ctx, system, user, "expert_action_v1", schema)
	if err != nil {
		return actionDecision{}, err
	}
	out := actionDecision{}
	b, _ := json.Marshal(obj)
	_ = json.Unmarshal(b, &out)
	out.Action = strings.ToLower(strings.TrimSpace(out.Action))
	return out, nil
}

func (h *Harness) executeTool(ctx context.Context, profile Profile, decision actionDecision, log *logger.Logger) ([]Evidence, bool) {
	name := strings.ToLower(strings.TrimSpace(decision.ToolName))
	spec, known := toolRegistry[name]
	if !known || !toolAllowed(profile, name) {
		log.Warn("tool rejected", "tool", name)
		return nil, false
	}
	if missing := missingToolArgs(spec, decision.Arguments); len(missing) > 0 {
		log.Warn("tool call missing arguments", "tool", name, "missing", missing)
		return nil, false
	}

	topK := envutil.Int("EXPERT_TOOL_TOP_K", 8)
	weights := map[string]float64{}
	if h.deps.Traversal != nil {
		weights = h.deps.Traversal.WeightsFor(profile.ID)
	}

	var (
		results []Evidence
		err     error
	)
	switch name {
	case ToolSemanticSearch:
		if h.deps.Search == nil {
			return nil, false
		}
		query, _ := decision.Arguments["query"].(string)
		results, err = h.deps.Search.Search(ctx, query, topK)
	case ToolGraphTraverse:
		if h.deps.Graph == nil {
			return nil, false
		}
		start, _ := decision.Arguments["start_node"].(string)
		relations := stringSlice(decision.Arguments["relation_types"])
		results, err = h.deps.Graph.Traverse(ctx, start, relations, weights, topK)
	case ToolFetchCitations, ToolFetchPrinciples:
		if h.deps.Graph == nil {
			return nil, false
		}
		start, _ := decision.Arguments[spec.Requires[0]].(string)
		results, err = h.deps.Graph.Traverse(ctx, start, toolRelations[name], weights, topK)
	default:
		return nil, false
	}
	if err != nil {
		log.Warn("tool execution failed", "tool", name, "error", err)
		return nil, false
	}
	return results, true
}

func (h *Harness) finalize(ctx context.Context, profile Profile, qc domain.QueryContext, evidence []Evidence, limitations []string) (domain.ExpertOpinion, error) {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"interpretation": map[string]any{"type": "string"},
			"rationale": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"sources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"source_id":   map[string]any{"type": "string"},
						"source_type": map[string]any{"type": "string"},
						"title":       map[string]any{"type": "string"},
						"locator":     map[string]any{"type": "string"},
					},
					"required": []any{"source_id", "source_type"},
				},
			},
			"limitations": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"interpretation", "rationale", "confidence", "sources", "limitations"},
	}

	system := strings.TrimSpace(strings.Join([]string{
		profile.Instruction,
		"",
		"State your interpretation of the question using ONLY the gathered evidence.",
		"Cite every source you rely on. List limitations honestly.",
		"Return ONLY JSON matching the schema.",
	}, "\n"))

	user := strings.TrimSpace(strings.Join([]string{
		"QUESTION:",
		qc.Text,
		"",
		"EVIDENCE:",
		formatEvidence(evidence),
	}, "\n"))

	obj, err := h.deps.AI.GenerateJSON(ctx, system, user, "expert_opinion_v1", schema)
	if err != nil {
		return domain.ExpertOpinion{}, err
	}

	var parsed struct {
		Interpretation string            `json:"interpretation"`
		Rationale      map[string]string `json:"rationale"`
		Confidence     float64           `json:"confidence"`
		Sources        []domain.Citation `json:"sources"`
		Limitations    []string          `json:"limitations"`
	}
	b, _ := json.Marshal(obj)
	_ = json.Unmarshal(b, &parsed)
	opinion := domain.ExpertOpinion{
		Expert:         profile.ID,
		Interpretation: strings.TrimSpace(parsed.Interpretation),
		Rationale:      parsed.Rationale,
		Confidence:     parsed.Confidence,
		Sources:        parsed.Sources,
		Limitations:    parsed.Limitations,
	}
	if opinion.Confidence < 0 {
		opinion.Confidence = 0
	}
	if opinion.Confidence > 1 {
		opinion.Confidence = 1
	}
	for _, l := range limitations {
		if !opinion.HasLimitation(l) {
			opinion.Limitations = append(opinion.Limitations, l)
		}
	}
	return opinion, nil
}

func degradedOpinion(id domain.ExpertID, limitation string) domain.ExpertOpinion {
	return domain.ExpertOpinion{
		Expert:      id,
		Confidence:  0,
		Limitations: []string{limitation},
	}
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func formatEnrichedContext(ec domain.EnrichedContext) string {
	var b strings.Builder
	for _, c := range ec.Concepts {
		fmt.Fprintf(&b, "- concept %s (%s, score %.2f)\n", c.Label, c.ID, c.Score)
	}
	for _, n := range ec.Norms {
		fmt.Fprintf(&b, "- norm %s (%s, score %.2f)\n", n.Reference, n.ID, n.Score)
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatEvidence(evidence []Evidence) string {
	if len(evidence) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, ev := range evidence {
		title := ev.Title
		if title == "" {
			title = ev.ID
		}
		if ev.Relation != "" {
			fmt.Fprintf(&b, "- [%s] %s (%s, score %.2f): %s\n", ev.ID, title, ev.Relation, ev.Score, truncate(ev.Text, 400))
		} else {
			fmt.Fprintf(&b, "- [%s] %s (score %.2f): %s\n", ev.ID, title, ev.Score, truncate(ev.Text, 400))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
