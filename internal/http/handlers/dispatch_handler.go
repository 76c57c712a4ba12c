// README: Dispatch handlers for batch courier assignment.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type DispatchHandler struct {
	dispatch *dispatch.Service
}

func NewDispatchHandler(d *dispatch.Service) *DispatchHandler {
	return &DispatchHandler{dispatch: d}
}

type batchReq struct {
	OrderIDs  []string `json:"order_ids"`
	CourierID string   `json:"courier_id"`
}

type batchResult struct {
	OrderID types.ID       `json:"order_id"`
	Order   *orderResponse `json:"order,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Batch assigns one courier to several orders. Each order succeeds or fails
// on its own; the response lists every outcome.
func (h *DispatchHandler) Batch(c *gin.Context) {
	role, actorID := caller(c)
	if role != order.RolePharmacy && role != order.RoleAdmin {
		writeError(c, http.StatusForbidden, "forbidden: pharmacy or admin role required")
		return
	}
	var req batchReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.OrderIDs) == 0 {
		writeError(c, http.StatusBadRequest, "order_ids is required")
		return
	}
	ids := make([]types.ID, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		if !isValidID(id) {
			writeError(c, http.StatusBadRequest, "invalid order id")
			return
		}
		ids = append(ids, types.ID(id))
	}

	results := h.dispatch.AssignBatch(c.Request.Context(), dispatch.BatchRequest{
		OrderIDs:  ids,
		CourierID: types.ID(req.CourierID),
		Role:      role,
		ActorID:   actorID,
	})
	out := make([]batchResult, 0, len(results))
	assigned := 0
	for _, r := range results {
		br := batchResult{OrderID: r.OrderID}
		if r.Err != nil {
			br.Error = r.Err.Error()
		} else {
			resp := toOrderResponse(r.Order)
			br.Order = &resp
			assigned++
		}
		out = append(out, br)
	}
	writeJSON(c, http.StatusOK, gin.H{"assigned": assigned, "results": out})
}
