// README: Realtime websocket feed and push device registration.
package handlers

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ifarma/internal/http/middleware"
	"ifarma/internal/modules/notify"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type Subscriber interface {
	Attach(w http.ResponseWriter, r *http.Request, channel string) error
}

type DeviceRegistry interface {
	RegisterToken(ctx context.Context, userID types.ID, token, platform string) error
}

type RealtimeHandler struct {
	hub     Subscriber
	devices DeviceRegistry
}

func NewRealtimeHandler(hub Subscriber, devices DeviceRegistry) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, devices: devices}
}

// Subscribe upgrades to a websocket on ?channel=. Callers may only listen on
// their own channel; admins may listen anywhere under orders:.
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	channel := c.Query("channel")
	role, id := caller(c)
	if !channelAllowed(channel, role, id) {
		writeError(c, http.StatusForbidden, "forbidden: channel not allowed")
		return
	}
	if err := h.hub.Attach(c.Writer, c.Request, channel); err != nil {
		log.Printf("realtime: attach %s: %v", channel, err)
	}
}

func channelAllowed(channel string, role order.Role, id types.ID) bool {
	switch role {
	case order.RoleAdmin:
		return strings.HasPrefix(channel, "orders:")
	case order.RoleCustomer:
		return channel == notify.ChannelFor(notify.AudienceCustomer, id)
	case order.RolePharmacy:
		return channel == notify.ChannelFor(notify.AudiencePharmacy, id)
	case order.RoleCourier:
		return channel == notify.ChannelFor(notify.AudienceCourier, id)
	}
	return false
}

type deviceReq struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *RealtimeHandler) RegisterDevice(c *gin.Context) {
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(c, http.StatusBadRequest, "token is required")
		return
	}
	if req.Platform == "" {
		req.Platform = "android"
	}
	uid := types.ID(middleware.CallerUID(c))
	if err := h.devices.RegisterToken(c.Request.Context(), uid, req.Token, req.Platform); err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"status": "registered"})
}
