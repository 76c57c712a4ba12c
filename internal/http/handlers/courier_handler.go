// README: Courier handlers for live position and availability.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type CourierHandler struct {
	courier *courier.Service
}

func NewCourierHandler(svc *courier.Service) *CourierHandler {
	return &CourierHandler{courier: svc}
}

type positionReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *CourierHandler) Position(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.courier.UpdatePosition(c.Request.Context(), courier.PositionCommand{
		CourierID: id,
		Point:     types.Point{Lat: req.Lat, Lng: req.Lng},
		At:        time.Now().UTC(),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

type availabilityReq struct {
	Online bool `json:"online"`
}

func (h *CourierHandler) Availability(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cr, err := h.courier.SetAvailability(c.Request.Context(), id, req.Online)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"courier_id":       cr.ID,
		"is_online":        cr.IsOnline,
		"current_order_id": cr.CurrentOrderID,
	})
}

// self allows couriers to act only on their own record.
func (h *CourierHandler) self(c *gin.Context) (types.ID, bool) {
	id, ok := pathID(c)
	if !ok {
		return "", false
	}
	role, uid := caller(c)
	if role != order.RoleCourier {
		writeError(c, http.StatusForbidden, "forbidden: courier role required")
		return "", false
	}
	if uid != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return "", false
	}
	return id, true
}
