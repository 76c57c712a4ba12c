// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ifarma/internal/http/middleware"
	"ifarma/internal/maps"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and the short slugs used for seeded rows.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads :id and answers 400 itself when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, order.ErrReasonRequired),
		errors.Is(err, pricing.ErrBadRequest), errors.Is(err, pricing.ErrInvalidPolicy),
		errors.Is(err, courier.ErrInvalidPosition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, courier.ErrNotFound), errors.Is(err, pricing.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrAlreadyTerminal),
		errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrCourierUnavailable),
		errors.Is(err, courier.ErrBusy), errors.Is(err, courier.ErrInactive):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, pricing.ErrOutOfServiceArea), errors.Is(err, pricing.ErrBelowMinimumOrder):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, maps.ErrNoRoute):
		writeError(c, http.StatusBadGateway, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// caller maps the token claims onto an order actor. Merchants act as their
// pharmacy; anything unrecognised is a customer. The system role is never
// granted to a token.
func caller(c *gin.Context) (order.Role, types.ID) {
	uid := types.ID(middleware.CallerUID(c))
	switch order.Role(middleware.CallerRole(c)) {
	case order.RoleAdmin:
		return order.RoleAdmin, uid
	case order.RoleCourier:
		return order.RoleCourier, uid
	case order.RolePharmacy:
		if ph := middleware.CallerPharmacyID(c); ph != "" {
			return order.RolePharmacy, types.ID(ph)
		}
		return order.RolePharmacy, uid
	}
	return order.RoleCustomer, uid
}

func requireAdmin(c *gin.Context) bool {
	if role, _ := caller(c); role != order.RoleAdmin {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return false
	}
	return true
}

// canView reports whether the actor is a party to the order.
func canView(o *order.Order, role order.Role, id types.ID) bool {
	switch role {
	case order.RoleAdmin:
		return true
	case order.RoleCustomer:
		return o.CustomerID == id
	case order.RolePharmacy:
		return o.PharmacyID == id
	case order.RoleCourier:
		return o.AssignedTo(id)
	}
	return false
}

type orderResponse struct {
	ID                 types.ID            `json:"id"`
	CustomerID         types.ID            `json:"customer_id"`
	PharmacyID         types.ID            `json:"pharmacy_id"`
	CourierID          *types.ID           `json:"courier_id"`
	Status             order.Status        `json:"status"`
	Subtotal           decimal.Decimal     `json:"subtotal"`
	DeliveryFee        decimal.Decimal     `json:"delivery_fee"`
	TotalPrice         decimal.Decimal     `json:"total_price"`
	PaymentMethod      order.PaymentMethod `json:"payment_method"`
	ChangeFor          *decimal.Decimal    `json:"change_for,omitempty"`
	Address            string              `json:"address"`
	Dropoff            *types.Point        `json:"dropoff,omitempty"`
	Route              *maps.Route         `json:"route,omitempty"`
	Items              []lineItemResponse  `json:"items,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	DeliveredAt        *time.Time          `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelled_at,omitempty"`
	CancellationReason *string             `json:"cancellation_reason,omitempty"`
}

type lineItemResponse struct {
	ProductID types.ID        `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:                 o.ID,
		CustomerID:         o.CustomerID,
		PharmacyID:         o.PharmacyID,
		CourierID:          o.CourierID,
		Status:             o.Status,
		Subtotal:           o.Subtotal,
		DeliveryFee:        o.DeliveryFee,
		TotalPrice:         o.TotalPrice,
		PaymentMethod:      o.PaymentMethod,
		ChangeFor:          o.ChangeFor,
		Address:            o.Address,
		Dropoff:            o.Dropoff,
		Route:              o.Route,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
		DeliveredAt:        o.DeliveredAt,
		CancelledAt:        o.CancelledAt,
		CancellationReason: o.CancellationReason,
	}
}
