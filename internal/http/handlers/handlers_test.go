package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/modules/experts"
	"github.com/merlt/merlt-backend/internal/modules/feedback"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	"github.com/merlt/merlt-backend/internal/modules/orchestrator"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/ctxutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type fakeAI struct {
	plan map[string]any
	err  error
}

func (f *fakeAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("no embeddings")
}

func (f *fakeAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

type fixedAnalyzer struct {
	opinion domain.ExpertOpinion
}

func (f *fixedAnalyzer) Analyze(ctx context.Context, qc domain.QueryContext, ec domain.EnrichedContext) (domain.ExpertOpinion, experts.RunStats) {
	return f.opinion, experts.RunStats{}
}

func validPlan() map[string]any {
	return map[string]any{
		"retrieval": map[string]any{
			"semantic_search": true,
			"graph_traversal": false,
			"citation_lookup": false,
		},
		"experts":        []any{"literal"},
		"max_iterations": float64(3),
		"min_confidence": 0.5,
	}
}

func newQueryEngine(t *testing.T, ai *fakeAI, analyzer orchestrator.Analyzer, mw ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	router, err := orchestrator.NewRouter(ai, log)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	synth, err := orchestrator.NewSynthesizer(nil, log)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	gate, err := gating.NewNetwork(4, log)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Router:  router,
		Experts: map[domain.ExpertID]orchestrator.Analyzer{domain.ExpertLiteral: analyzer},
		Gate:    gate,
		Synth:   synth,
		Log:     log,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine := gin.New()
	engine.Use(mw...)
	engine.POST("/api/query", NewQueryHandler(orch, log).HandleQuery)
	return engine
}

func postJSON(t *testing.T, engine *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestQueryHandlerSuccess(t *testing.T) {
	analyzer := &fixedAnalyzer{opinion: domain.ExpertOpinion{
		Expert:         domain.ExpertLiteral,
		Interpretation: "the answer",
		Confidence:     0.9,
	}}
	engine := newQueryEngine(t, &fakeAI{plan: validPlan()}, analyzer)

	rec := postJSON(t, engine, "/api/query", gin.H{"query": "cosa significa domicilio?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ans domain.SynthesizedAnswer
	if err := json.Unmarshal(rec.Body.Bytes(), &ans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ans.Mode != domain.ModeConvergent || ans.Text == "" {
		t.Fatalf("unexpected answer: %+v", ans)
	}
}

func TestQueryHandlerReusesTraceRequestID(t *testing.T) {
	analyzer := &fixedAnalyzer{opinion: domain.ExpertOpinion{
		Expert:         domain.ExpertLiteral,
		Interpretation: "the answer",
		Confidence:     0.9,
	}}
	reqID := uuid.New()
	stamp := func(c *gin.Context) {
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: reqID.String()})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
	engine := newQueryEngine(t, &fakeAI{plan: validPlan()}, analyzer, stamp)

	rec := postJSON(t, engine, "/api/query", gin.H{"query": "q"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ans domain.SynthesizedAnswer
	if err := json.Unmarshal(rec.Body.Bytes(), &ans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ans.RequestID != reqID {
		t.Fatalf("answer request id = %s, want the middleware-stamped %s", ans.RequestID, reqID)
	}
}

func TestQueryHandlerDegradedServiceOnPlanFailure(t *testing.T) {
	engine := newQueryEngine(t, &fakeAI{err: errors.New("all providers down")}, &fixedAnalyzer{})

	rec := postJSON(t, engine, "/api/query", gin.H{"query": "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
}

func TestQueryHandlerUnableToAnswer(t *testing.T) {
	analyzer := &fixedAnalyzer{opinion: domain.ExpertOpinion{
		Expert:      domain.ExpertLiteral,
		Limitations: []string{domain.LimitationExpertError},
	}}
	engine := newQueryEngine(t, &fakeAI{plan: validPlan()}, analyzer)

	rec := postJSON(t, engine, "/api/query", gin.H{"query": "q"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body %s", rec.Code, rec.Body.String())
	}
}

func TestQueryHandlerRejectsEmptyQuery(t *testing.T) {
	engine := newQueryEngine(t, &fakeAI{plan: validPlan()}, &fixedAnalyzer{})

	rec := postJSON(t, engine, "/api/query", gin.H{"query": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type memProfiles struct {
	known map[uuid.UUID]domain.UserProfile
}

func (m *memProfiles) GetUserProfile(ctx context.Context, userID uuid.UUID) (domain.UserProfile, error) {
	p, ok := m.known[userID]
	if !ok {
		return domain.UserProfile{}, pkgerrors.ErrNotFound
	}
	return p, nil
}

type memIdem struct {
	mu        sync.Mutex
	processed map[uuid.UUID]bool
}

func (m *memIdem) MarkIfUnprocessed(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed == nil {
		m.processed = map[uuid.UUID]bool{}
	}
	if m.processed[id] {
		return false, nil
	}
	m.processed[id] = true
	return true, nil
}

func (m *memIdem) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, id)
	return nil
}

func newFeedbackEngine(t *testing.T, userID uuid.UUID) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	scorer, err := feedback.NewScorer(&memProfiles{known: map[uuid.UUID]domain.UserProfile{
		userID: {UserID: userID, Role: "avvocato", HistoricalAccuracy: 0.8, ConsensusRate: 0.8, Reputation: 0.8},
	}}, nil, log)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	gate, err := gating.NewNetwork(4, log)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	traversal, err := gating.NewTraversalStore(nil, log)
	if err != nil {
		t.Fatalf("NewTraversalStore: %v", err)
	}
	proc, err := feedback.NewProcessor(feedback.Deps{
		Scorer:    scorer,
		Gate:      gate,
		Traversal: traversal,
		Idem:      &memIdem{},
		Log:       log,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	engine := gin.New()
	engine.POST("/api/feedback", NewFeedbackHandler(proc, nil, log).Ingest)
	return engine
}

func TestFeedbackHandlerAcceptsAndDeduplicates(t *testing.T) {
	userID := uuid.New()
	engine := newFeedbackEngine(t, userID)

	body := gin.H{
		"feedback_id": uuid.New(),
		"request_id":  uuid.New(),
		"user_id":     userID,
		"rating":      4,
		"relations": []gin.H{
			{"expert": "precedent", "relation": "INTERPRETS", "useful": true},
		},
	}

	first := postJSON(t, engine, "/api/feedback", body)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", first.Code, first.Body.String())
	}
	var resp struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("first delivery not accepted: %+v", resp)
	}

	second := postJSON(t, engine, "/api/feedback", body)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", second.Code)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted || resp.Reason != "duplicate" {
		t.Fatalf("duplicate delivery should report duplicate: %+v", resp)
	}
}

func TestFeedbackHandlerUnknownUser(t *testing.T) {
	engine := newFeedbackEngine(t, uuid.New())

	rec := postJSON(t, engine, "/api/feedback", gin.H{
		"feedback_id": uuid.New(),
		"request_id":  uuid.New(),
		"user_id":     uuid.New(),
		"rating":      3,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

type memEventRepo struct {
	events map[uuid.UUID]domain.FeedbackEvent
}

func (m *memEventRepo) Create(ctx context.Context, event *domain.FeedbackEvent) error {
	if m.events == nil {
		m.events = map[uuid.UUID]domain.FeedbackEvent{}
	}
	m.events[event.FeedbackID] = *event
	return nil
}

func (m *memEventRepo) GetByFeedbackID(ctx context.Context, feedbackID uuid.UUID) (*domain.FeedbackEvent, error) {
	ev, ok := m.events[feedbackID]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return &ev, nil
}

func (m *memEventRepo) ListByWeightSet(ctx context.Context, weightSet string, limit int) ([]domain.FeedbackEvent, error) {
	var out []domain.FeedbackEvent
	for _, ev := range m.events {
		if ev.WeightSet == weightSet {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestFeedbackEventLookupByID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feedbackID := uuid.New()
	archive := &memEventRepo{events: map[uuid.UUID]domain.FeedbackEvent{
		feedbackID: {ID: uuid.New(), FeedbackID: feedbackID, WeightSet: "gating"},
	}}

	engine := gin.New()
	engine.GET("/api/feedback/events", NewFeedbackHandler(nil, archive, testLogger(t)).ListEvents)

	req := httptest.NewRequest(http.MethodGet, "/api/feedback/events?feedback_id="+feedbackID.String(), nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Events []domain.FeedbackEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 1 || out.Events[0].FeedbackID != feedbackID {
		t.Fatalf("unexpected lookup result: %+v", out.Events)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/feedback/events?feedback_id="+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/feedback/events?feedback_id=not-a-uuid", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id status = %d, want 400", rec.Code)
	}
}

func TestWeightsHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	gate, _ := gating.NewNetwork(4, log)
	traversal, _ := gating.NewTraversalStore(nil, log)

	engine := gin.New()
	engine.GET("/api/weights", NewWeightsHandler(gate, traversal).Export)

	req := httptest.NewRequest(http.MethodGet, "/api/weights", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Gating    map[string]float64            `json:"gating"`
		Traversal map[string]map[string]float64 `json:"traversal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Gating) != 4 || len(out.Traversal) != 4 {
		t.Fatalf("unexpected export shape: %+v", out)
	}
}
