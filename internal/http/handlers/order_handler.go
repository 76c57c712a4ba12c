// README: Order handlers for checkout, lookup, status transitions, cancel and courier assignment.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type OrderHandler struct {
	order    *order.Service
	dispatch *dispatch.Service
}

func NewOrderHandler(svc *order.Service, d *dispatch.Service) *OrderHandler {
	return &OrderHandler{order: svc, dispatch: d}
}

type createOrderReq struct {
	PharmacyID    string           `json:"pharmacy_id"`
	Items         []orderItemReq   `json:"items"`
	PaymentMethod string           `json:"payment_method"`
	ChangeFor     *decimal.Decimal `json:"change_for"`
	Address       string           `json:"address"`
	Lat           float64          `json:"lat"`
	Lng           float64          `json:"lng"`
}

type orderItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	role, uid := caller(c)
	if role != order.RoleCustomer {
		writeError(c, http.StatusForbidden, "forbidden: only customers place orders")
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.PharmacyID) {
		writeError(c, http.StatusBadRequest, "invalid pharmacy_id")
		return
	}
	items := make([]order.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, order.ItemRequest{ProductID: types.ID(it.ProductID), Quantity: it.Quantity})
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID:    uid,
		PharmacyID:    types.ID(req.PharmacyID),
		Items:         items,
		PaymentMethod: order.PaymentMethod(req.PaymentMethod),
		ChangeFor:     req.ChangeFor,
		Address:       req.Address,
		Dropoff:       types.Point{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOrderResponse(o))
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	resp := toOrderResponse(o)
	items, err := h.order.Items(c.Request.Context(), o.ID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	for _, it := range items {
		resp.Items = append(resp.Items, lineItemResponse{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *OrderHandler) Route(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	route, err := h.order.Route(c.Request.Context(), o.ID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, route)
}

type eventResponse struct {
	From      order.Status `json:"from_status"`
	To        order.Status `json:"to_status"`
	Actor     order.Role   `json:"actor_type"`
	ActorID   *types.ID    `json:"actor_id,omitempty"`
	CourierID *types.ID    `json:"courier_id,omitempty"`
	Reason    *string      `json:"reason,omitempty"`
	At        time.Time    `json:"created_at"`
}

// Events returns the order's audit trail, oldest first.
func (h *OrderHandler) Events(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	events, err := h.order.Events(c.Request.Context(), o.ID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			From:      e.FromStatus,
			To:        e.ToStatus,
			Actor:     e.ActorType,
			ActorID:   e.ActorID,
			CourierID: e.CourierID,
			Reason:    e.Reason,
			At:        e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": o.ID, "events": out})
}

type transitionReq struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	AutoAssign bool   `json:"auto_assign"`
}

func (h *OrderHandler) Transition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	target, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "unknown status")
		return
	}
	role, actorID := caller(c)
	o, err := h.order.RequestTransition(c.Request.Context(), order.TransitionCommand{
		OrderID:    id,
		Target:     target,
		Role:       role,
		ActorID:    actorID,
		Reason:     req.Reason,
		AutoAssign: req.AutoAssign,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	role, actorID := caller(c)
	o, err := h.order.Cancel(c.Request.Context(), id, role, actorID, req.Reason)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type assignReq struct {
	CourierID string `json:"courier_id"`
}

func (h *OrderHandler) Assign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	role, actorID := caller(c)
	if role != order.RolePharmacy && role != order.RoleAdmin {
		writeError(c, http.StatusForbidden, "forbidden: pharmacy or admin role required")
		return
	}
	o, err := h.dispatch.Assign(c.Request.Context(), dispatch.Request{
		OrderID:   id,
		CourierID: types.ID(req.CourierID),
		Role:      role,
		ActorID:   actorID,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

// load fetches the order in :id and checks the caller is a party to it.
// Strangers get 404 so order ids cannot be probed.
func (h *OrderHandler) load(c *gin.Context) (*order.Order, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return nil, false
	}
	role, actorID := caller(c)
	if !canView(o, role, actorID) {
		writeOrderError(c, order.ErrNotFound)
		return nil, false
	}
	return o, true
}
