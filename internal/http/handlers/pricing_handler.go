// README: Pricing handlers for fee quotes and pharmacy delivery policy updates.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

type PricingHandler struct {
	pricing *pricing.Service
}

func NewPricingHandler(svc *pricing.Service) *PricingHandler {
	return &PricingHandler{pricing: svc}
}

// Quote previews the delivery fee for a cart subtotal and drop-off point.
func (h *PricingHandler) Quote(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	subtotal, err := decimal.NewFromString(c.Query("subtotal"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid subtotal")
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "invalid coordinates")
		return
	}
	q, err := h.pricing.Quote(c.Request.Context(), id, types.Point{Lat: lat, Lng: lng}, subtotal)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"pharmacy_id": q.PharmacyID,
		"distance_km": q.DistanceKm,
		"routed":      q.Routed(),
		"route":       q.Route,
		"subtotal":    q.Subtotal,
		"fee":         q.Fee,
		"total":       q.Total,
	})
}

type feeRangeReq struct {
	MaxKm float64         `json:"max_km"`
	Fee   decimal.Decimal `json:"fee"`
}

type policyReq struct {
	Model          string           `json:"fee_model"`
	FixedFee       decimal.Decimal  `json:"fixed_fee"`
	PerKmRate      decimal.Decimal  `json:"per_km_rate"`
	Ranges         []feeRangeReq    `json:"fee_ranges"`
	FreeAboveValue *decimal.Decimal `json:"free_above_value"`
	FreeWithinKm   *float64         `json:"free_within_km"`
	MaxDistanceKm  *float64         `json:"max_distance_km"`
	MinOrderValue  decimal.Decimal  `json:"min_order_value"`
}

// UpdatePolicy lets a pharmacy (or an admin) replace its delivery policy.
func (h *PricingHandler) UpdatePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	role, actorID := caller(c)
	if role != order.RoleAdmin && (role != order.RolePharmacy || actorID != id) {
		writeError(c, http.StatusForbidden, "forbidden: not this pharmacy")
		return
	}
	var req policyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	policy := pricing.Policy{
		Model:          pricing.FeeModel(req.Model),
		FixedFee:       req.FixedFee,
		PerKmRate:      req.PerKmRate,
		FreeAboveValue: req.FreeAboveValue,
		FreeWithinKm:   req.FreeWithinKm,
		MaxDistanceKm:  req.MaxDistanceKm,
		MinOrderValue:  req.MinOrderValue,
	}
	for _, r := range req.Ranges {
		policy.Ranges = append(policy.Ranges, pricing.FeeRange{MaxKm: r.MaxKm, Fee: r.Fee})
	}
	ph, err := h.pricing.UpdatePolicy(c.Request.Context(), id, policy)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"pharmacy_id":     ph.ID,
		"fee_model":       ph.Policy.Model,
		"min_order_value": ph.Policy.MinOrderValue,
	})
}
