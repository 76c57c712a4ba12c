// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"ifarma/internal/http/handlers"
	"ifarma/internal/http/middleware"
	"ifarma/internal/infra"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/modules/simulator"
)

type Deps struct {
	Order       *order.Service
	Dispatch    *dispatch.Service
	Courier     *courier.Service
	Pricing     *pricing.Service
	Simulator   *simulator.Runner
	Realtime    handlers.Subscriber
	Devices     handlers.DeviceRegistry
	Verifier    infra.TokenVerifier
	CORSOrigins []string
	ServiceName string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.CORS(deps.CORSOrigins))
	if deps.ServiceName != "" {
		r.Use(otelgin.Middleware(deps.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier), middleware.Logging())

	orderHandler := handlers.NewOrderHandler(deps.Order, deps.Dispatch)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/route", orderHandler.Route)
	api.GET("/orders/:id/events", orderHandler.Events)
	api.POST("/orders/:id/transitions", orderHandler.Transition)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/assign", orderHandler.Assign)

	dispatchHandler := handlers.NewDispatchHandler(deps.Dispatch)
	api.POST("/dispatch/batch", dispatchHandler.Batch)

	pricingHandler := handlers.NewPricingHandler(deps.Pricing)
	api.GET("/pharmacies/:id/quote", pricingHandler.Quote)
	api.PUT("/pharmacies/:id/policy", pricingHandler.UpdatePolicy)

	courierHandler := handlers.NewCourierHandler(deps.Courier)
	api.PUT("/couriers/:id/position", courierHandler.Position)
	api.PUT("/couriers/:id/availability", courierHandler.Availability)

	adminHandler := handlers.NewAdminHandler(deps.Order, deps.Simulator)
	api.POST("/admin/orders/:id/advance", adminHandler.Advance)
	api.POST("/admin/simulator/orders/:id", adminHandler.Simulate)

	realtimeHandler := handlers.NewRealtimeHandler(deps.Realtime, deps.Devices)
	api.GET("/realtime/ws", realtimeHandler.Subscribe)
	api.POST("/devices", realtimeHandler.RegisterDevice)

	return r
}
