package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExpertID identifies one of the fixed reasoning experts.
type ExpertID string

const (
	ExpertLiteral    ExpertID = "literal"
	ExpertSystemic   ExpertID = "systemic"
	ExpertPrinciples ExpertID = "principles"
	ExpertPrecedent  ExpertID = "precedent"
)

// AllExperts is the canonical expert ordering. Gating vectors and the
// convergent answer layout both follow this order.
var AllExperts = []ExpertID{ExpertLiteral, ExpertSystemic, ExpertPrinciples, ExpertPrecedent}

// ExpertIndex returns the position of id in AllExperts, or -1.
func ExpertIndex(id ExpertID) int {
	for i, e := range AllExperts {
		if e == id {
			return i
		}
	}
	return -1
}

// Knowledge-graph relation types the experts traverse.
const (
	RelationDefines    = "DEFINES"
	RelationRefersTo   = "REFERS_TO"
	RelationModifies   = "MODIFIES"
	RelationImplements = "IMPLEMENTS"
	RelationInterprets = "INTERPRETS"
	RelationOverrules  = "OVERRULES"
	RelationCites      = "CITES"
	RelationBalances   = "BALANCES"
)

// AllRelations lists every relation type a traversal weight can be learned for.
var AllRelations = []string{
	RelationDefines,
	RelationRefersTo,
	RelationModifies,
	RelationImplements,
	RelationInterprets,
	RelationOverrules,
	RelationCites,
	RelationBalances,
}

// Intent is one detected intent with its confidence.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// QueryContext is the normalized query produced by the upstream
// query-understanding stage. Immutable once built.
type QueryContext struct {
	ID            uuid.UUID `json:"id"`
	Text          string    `json:"text"`
	Entities      []string  `json:"entities,omitempty"`
	Intents       []Intent  `json:"intents,omitempty"`
	Complexity    float64   `json:"complexity"`
	TemporalScope string    `json:"temporal_scope,omitempty"`
}

// PrimaryIntent returns the highest-confidence intent name, or "".
func (qc QueryContext) PrimaryIntent() string {
	best := ""
	bestConf := -1.0
	for _, in := range qc.Intents {
		if in.Confidence > bestConf {
			best = in.Name
			bestConf = in.Confidence
		}
	}
	return best
}

// ConceptCandidate is a knowledge-layer concept attached for plan generation.
type ConceptCandidate struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Kind  string  `json:"kind,omitempty"`
	Score float64 `json:"score"`
}

// NormCandidate is a candidate legal norm surfaced by the knowledge layer.
type NormCandidate struct {
	ID        string  `json:"id"`
	Reference string  `json:"reference"`
	Excerpt   string  `json:"excerpt,omitempty"`
	Score     float64 `json:"score"`
}

// EnrichedContext carries knowledge-layer candidates for one request.
// Immutable per request.
type EnrichedContext struct {
	Concepts []ConceptCandidate `json:"concepts,omitempty"`
	Norms    []NormCandidate    `json:"norms,omitempty"`
}

// RetrievalAgents holds the retrieval-agent activation flags of a plan.
type RetrievalAgents struct {
	SemanticSearch bool `json:"semantic_search"`
	GraphTraversal bool `json:"graph_traversal"`
	CitationLookup bool `json:"citation_lookup"`
}

// Any reports whether at least one retrieval agent is enabled.
func (r RetrievalAgents) Any() bool {
	return r.SemanticSearch || r.GraphTraversal || r.CitationLookup
}

// ExecutionPlan is the validated decision of which retrieval agents and
// experts run for one request, plus iteration-stop criteria.
type ExecutionPlan struct {
	Retrieval     RetrievalAgents `json:"retrieval"`
	Experts       []ExpertID      `json:"experts"`
	MaxIterations int             `json:"max_iterations"`
	MinConfidence float64         `json:"min_confidence"`
	// Retries is how many generate/validate cycles it took to produce
	// this plan. Carried into the answer trace.
	Retries int `json:"retries"`
}

// HasExpert reports whether the plan selects the given expert.
func (p ExecutionPlan) HasExpert(id ExpertID) bool {
	for _, e := range p.Experts {
		if e == id {
			return true
		}
	}
	return false
}

// Citation points at a source an expert relied on.
type Citation struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Title      string `json:"title,omitempty"`
	Locator    string `json:"locator,omitempty"`
}

// Limitation flags an opinion can carry.
const (
	LimitationTimedOut           = "timed_out"
	LimitationIncompleteEvidence = "incomplete_evidence"
	LimitationExpertError        = "expert_error"
)

// ExpertOpinion is the structured output of one expert for one request.
// Immutable once produced.
type ExpertOpinion struct {
	Expert         ExpertID          `json:"expert"`
	Interpretation string            `json:"interpretation"`
	Rationale      map[string]string `json:"rationale,omitempty"`
	Confidence     float64           `json:"confidence"`
	Sources        []Citation        `json:"sources,omitempty"`
	Limitations    []string          `json:"limitations,omitempty"`
}

// TimedOut reports whether the opinion is a timeout placeholder.
func (o ExpertOpinion) TimedOut() bool {
	return o.HasLimitation(LimitationTimedOut)
}

// HasLimitation reports whether the opinion carries the given flag.
func (o ExpertOpinion) HasLimitation(flag string) bool {
	for _, l := range o.Limitations {
		if l == flag {
			return true
		}
	}
	return false
}

// SynthesisMode tells how the final answer was composed.
type SynthesisMode string

const (
	ModeConvergent SynthesisMode = "convergent"
	ModeDivergent  SynthesisMode = "divergent"
)

// ExpertContribution records how much one expert's opinion counted.
type ExpertContribution struct {
	Expert     ExpertID `json:"expert"`
	Weight     float64  `json:"weight"`
	Confidence float64  `json:"confidence"`
	Included   bool     `json:"included"`
}

// ExpertRunTrace captures one expert's execution for the answer trace.
type ExpertRunTrace struct {
	Expert     ExpertID      `json:"expert"`
	Duration   time.Duration `json:"duration"`
	ToolCalls  int           `json:"tool_calls"`
	TimedOut   bool          `json:"timed_out"`
	Confidence float64       `json:"confidence"`
}

// AnswerTrace carries enough structured context to reproduce a request.
type AnswerTrace struct {
	PlanRetries int              `json:"plan_retries"`
	Agreement   float64          `json:"agreement"`
	ExpertRuns  []ExpertRunTrace `json:"expert_runs,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// SynthesizedAnswer is the terminal artifact of one request.
type SynthesizedAnswer struct {
	RequestID     uuid.UUID            `json:"request_id"`
	Text          string               `json:"text"`
	Mode          SynthesisMode        `json:"mode"`
	Contributions []ExpertContribution `json:"contributions"`
	Confidence    float64              `json:"confidence"`
	Trace         AnswerTrace          `json:"trace"`
}

// RelationFeedback is one per-expert, per-relation usefulness flag.
type RelationFeedback struct {
	Expert   ExpertID `json:"expert"`
	Relation string   `json:"relation"`
	Useful   bool     `json:"useful"`
}

// FeedbackRecord is a user's judgment of one answer. Created once, consumed
// exactly once by the feedback processor, then archived read-only.
type FeedbackRecord struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
	UserID    uuid.UUID `json:"user_id"`
	// Rating is the overall answer rating on a 1..5 scale.
	Rating        int                `json:"rating"`
	ExpertCorrect map[ExpertID]bool  `json:"expert_correct,omitempty"`
	Relations     []RelationFeedback `json:"relations,omitempty"`
	// QueryEmbedding is the representation the answered query was routed
	// with; the feedback API resolves it from the archived request.
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserProfile is what the external authority/user store knows about a
// feedback-giving user.
type UserProfile struct {
	UserID             uuid.UUID `json:"user_id"`
	Role               string    `json:"role"`
	HistoricalAccuracy float64   `json:"historical_accuracy"`
	ConsensusRate      float64   `json:"consensus_rate"`
	Reputation         float64   `json:"reputation"`
}
