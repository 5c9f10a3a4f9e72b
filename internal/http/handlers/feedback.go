package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/merlt/merlt-backend/internal/data/repos"
	"github.com/merlt/merlt-backend/internal/domain"
	"github.com/merlt/merlt-backend/internal/http/response"
	"github.com/merlt/merlt-backend/internal/modules/feedback"
	pkgerrors "github.com/merlt/merlt-backend/internal/pkg/errors"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

type FeedbackHandler struct {
	proc    *feedback.Processor
	archive repos.FeedbackEventRepo
	log     *logger.Logger
}

func NewFeedbackHandler(proc *feedback.Processor, archive repos.FeedbackEventRepo, log *logger.Logger) *FeedbackHandler {
	return &FeedbackHandler{proc: proc, archive: archive, log: log}
}

type feedbackRequest struct {
	FeedbackID     uuid.UUID                 `json:"feedback_id"`
	RequestID      uuid.UUID                 `json:"request_id"`
	UserID         uuid.UUID                 `json:"user_id"`
	Rating         int                       `json:"rating"`
	ExpertCorrect  map[domain.ExpertID]bool  `json:"expert_correct,omitempty"`
	Relations      []domain.RelationFeedback `json:"relations,omitempty"`
	QueryEmbedding []float32                 `json:"query_embedding,omitempty"`
}

type feedbackResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (h *FeedbackHandler) Ingest(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}

	rec := domain.FeedbackRecord{
		ID:             req.FeedbackID,
		RequestID:      req.RequestID,
		UserID:         req.UserID,
		Rating:         req.Rating,
		ExpertCorrect:  req.ExpertCorrect,
		Relations:      req.Relations,
		QueryEmbedding: req.QueryEmbedding,
		CreatedAt:      time.Now().UTC(),
	}

	err := h.proc.Ingest(c.Request.Context(), rec)
	switch {
	case err == nil:
		response.RespondOK(c, feedbackResponse{Accepted: true})
	case errors.Is(err, pkgerrors.ErrDuplicateFeedback):
		// Redelivery is a success from the sender's point of view; the
		// record was applied exactly once already.
		response.RespondOK(c, feedbackResponse{Accepted: false, Reason: "duplicate"})
	case errors.Is(err, pkgerrors.ErrUnknownUser):
		response.RespondError(c, http.StatusBadRequest, "unknown_user", err)
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		response.RespondError(c, http.StatusBadRequest, "invalid_feedback", err)
	default:
		response.RespondError(c, http.StatusInternalServerError, "feedback_failed", err)
	}
}

// ListEvents exposes the applied-feedback archive for training-example
// extraction tooling. A feedback_id query parameter looks up one event.
func (h *FeedbackHandler) ListEvents(c *gin.Context) {
	if h.archive == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "archive_unavailable", nil)
		return
	}
	if raw := c.Query("feedback_id"); raw != "" {
		feedbackID, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_feedback_id", err)
			return
		}
		event, err := h.archive.GetByFeedbackID(c.Request.Context(), feedbackID)
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			response.RespondError(c, http.StatusNotFound, "feedback_not_found", err)
		case err != nil:
			response.RespondError(c, http.StatusInternalServerError, "archive_lookup_failed", err)
		default:
			response.RespondOK(c, gin.H{"events": []domain.FeedbackEvent{*event}})
		}
		return
	}
	weightSet := c.DefaultQuery("weight_set", "gating")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.archive.ListByWeightSet(c.Request.Context(), weightSet, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "archive_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}
