package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/http/response"
	"github.com/merlt/merlt-backend/internal/modules/orchestrator"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/ctxutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

type QueryHandler struct {
	orch *orchestrator.Orchestrator
	log  *logger.Logger
}

func NewQueryHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *QueryHandler {
	return &QueryHandler{orch: orch, log: log}
}

type queryRequest struct {
	Query         string                  `json:"query"`
	Entities      []string                `json:"entities,omitempty"`
	Intents       []domain.Intent         `json:"intents,omitempty"`
	Complexity    float64                 `json:"complexity,omitempty"`
	TemporalScope string                  `json:"temporal_scope,omitempty"`
	Context       *domain.EnrichedContext `json:"context,omitempty"`
}

func (h *QueryHandler) HandleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Query == "" {
		response.RespondError(c, http.StatusBadRequest, "empty_query", nil)
		return
	}

	ctx := c.Request.Context()
	qc := domain.QueryContext{
		ID:            requestUUID(ctx),
		Text:          req.Query,
		Entities:      req.Entities,
		Intents:       req.Intents,
		Complexity:    req.Complexity,
		TemporalScope: req.TemporalScope,
	}
	var ec domain.EnrichedContext
	if req.Context != nil {
		ec = *req.Context
	}

	answer, err := h.orch.HandleQuery(ctx, qc, ec)
	if err != nil {
		var planErr *pkgerrors.PlanGenerationError
		var retryErr *pkgerrors.MaxRetriesError
		var evErr *pkgerrors.InsufficientEvidenceError
		switch {
		case errors.As(err, &planErr), errors.As(err, &retryErr):
			response.RespondError(c, http.StatusBadGateway, "degraded_service", err)
		case errors.As(err, &evErr):
			response.RespondError(c, http.StatusUnprocessableEntity, "unable_to_answer", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		}
		return
	}
	response.RespondOK(c, answer)
}

// requestUUID reuses the request id stamped by the trace middleware when it
// parses as a UUID, so answers and feedback correlate with access logs.
func requestUUID(ctx context.Context) uuid.UUID {
	if id, err := uuid.Parse(ctxutil.RequestID(ctx)); err == nil {
		return id
	}
	return uuid.New()
}
