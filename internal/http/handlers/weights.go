package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/merlt/merlt-backend/internal/http/response"
	"github.com/merlt/merlt-backend/internal/modules/gating"
)

// WeightsHandler exposes the live routing weights for inspection and for
// the external rollout controller to snapshot candidate weight sets.
type WeightsHandler struct {
	gate      *gating.Network
	traversal *gating.TraversalStore
}

func NewWeightsHandler(gate *gating.Network, traversal *gating.TraversalStore) *WeightsHandler {
	return &WeightsHandler{gate: gate, traversal: traversal}
}

func (h *WeightsHandler) Export(c *gin.Context) {
	response.RespondOK(c, gin.H{
		"gating":    h.gate.Snapshot(),
		"traversal": h.traversal.Export(),
	})
}
