// README: Admin-only operations: manual advance and simulator enrolment.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ifarma/internal/modules/order"
	"ifarma/internal/modules/simulator"
)

type AdminHandler struct {
	order     *order.Service
	simulator *simulator.Runner
}

// NewAdminHandler accepts a nil runner when the simulator is disabled.
func NewAdminHandler(svc *order.Service, runner *simulator.Runner) *AdminHandler {
	return &AdminHandler{order: svc, simulator: runner}
}

func (h *AdminHandler) Advance(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.order.Advance(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *AdminHandler) Simulate(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	if h.simulator == nil {
		writeError(c, http.StatusServiceUnavailable, "simulator disabled")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if o.Status.Terminal() {
		writeOrderError(c, order.ErrAlreadyTerminal)
		return
	}
	h.simulator.Watch(o.ID)
	writeJSON(c, http.StatusAccepted, map[string]any{"order_id": o.ID, "watched": h.simulator.Watched()})
}
