// README: Entry point; loads config, wires services, starts the HTTP server and background workers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ifarma/internal/config"
	httptransport "ifarma/internal/http"
	"ifarma/internal/infra"
	"ifarma/internal/maps"
	"ifarma/internal/memstore"
	"ifarma/internal/modules/billing"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/notify"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/modules/simulator"
	"ifarma/internal/types"
)

// stores groups the repositories for one storage mode.
type stores struct {
	orders     order.Repository
	catalog    order.Catalog
	couriers   courier.Repository
	pharmacies pricing.Store
	inbox      interface {
		notify.Inbox
		RegisterToken(ctx context.Context, userID types.ID, token, platform string) error
	}
	close func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := infra.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("telemetry init: %v", err)
	}

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("IFARMA_FIREBASE_PROJECT_ID is required")
	}
	firebaseApp, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, firebaseApp)
	if err != nil {
		log.Fatalf("firebase auth: %v", err)
	}
	var pusher notify.Pusher
	if fcm, err := infra.NewFirebaseMessaging(ctx, firebaseApp); err != nil {
		log.Printf("firebase messaging unavailable, push disabled: %v", err)
	} else {
		pusher = fcm
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer st.close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Printf("redis unavailable, running single-node realtime: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var (
		pricingRouter pricing.Router
		orderRouter   order.Router
	)
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		pricingRouter, orderRouter = routes, routes
	}

	pricingSvc := pricing.NewService(st.pharmacies, pricingRouter)
	orderSvc := order.NewService(st.orders, st.catalog, pricingSvc, orderRouter)

	var index courier.Index
	if redisClient != nil {
		index = courier.NewGeoIndex(redisClient)
	}
	courierSvc := courier.NewService(st.couriers, index, cfg.Dispatch)
	dispatchSvc := dispatch.NewService(orderSvc, courierSvc, cfg.Dispatch)
	orderSvc.SetDispatcher(dispatchSvc)

	hub := notify.NewHub()
	go hub.Run(ctx)

	var (
		realtime notify.Sink = hub
		once     notify.OnceMarker
	)
	if redisClient != nil {
		realtime = notify.NewChannelSink(redisClient)
		once = notify.NewRedisOnce(redisClient)
		go notify.NewRelay(redisClient, hub, log.New(os.Stderr, "realtime: ", log.LstdFlags)).Run(ctx)
	} else {
		once = notify.NewMemoryOnce()
	}
	fanout := notify.NewFanOut(notify.MultiSink{realtime, notify.NewPushSink(st.inbox, pusher)}, orderSvc, once, cfg.Notify)
	defer fanout.Close()

	orderSvc.Subscribe(courierSvc)
	orderSvc.Subscribe(fanout)
	courierSvc.Subscribe(fanout)

	if cfg.Billing.Enabled {
		ddb, err := infra.NewDynamoDB(ctx, cfg.Billing.Region, cfg.Billing.Endpoint)
		if err != nil {
			log.Fatalf("dynamodb init: %v", err)
		}
		var webhook billing.Webhook
		if cfg.Billing.WebhookURL != "" {
			webhook = billing.NewHTTPWebhook(cfg.Billing.WebhookURL)
		}
		orderSvc.Subscribe(billing.NewRecorder(
			billing.NewDynamoLedger(ddb, cfg.Billing.Table),
			webhook,
			log.New(os.Stderr, "billing: ", log.LstdFlags),
		))
	}

	var runner *simulator.Runner
	if cfg.Simulator.Enabled {
		runner = simulator.NewRunner(orderSvc, cfg.Simulator.Tick, log.New(os.Stderr, "simulator: ", log.LstdFlags))
		go runner.Run(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	handler := httptransport.NewRouter(httptransport.Deps{
		Order:       orderSvc,
		Dispatch:    dispatchSvc,
		Courier:     courierSvc,
		Pricing:     pricingSvc,
		Simulator:   runner,
		Realtime:    hub,
		Devices:     st.inbox,
		Verifier:    verifier,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	log.Printf("ifarma-api listening on %s (store=%s)", cfg.HTTP.Addr, cfg.Store.Mode)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.Store.Mode == config.StoreModeMemory {
		mem := memstore.New()
		seedDemo(mem)
		return &stores{
			orders:     mem.Orders(),
			catalog:    mem.Orders(),
			couriers:   mem.Couriers(),
			pharmacies: mem.Pharmacies(),
			inbox:      mem.Inbox(),
			close:      func() {},
		}, nil
	}

	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	if err := infra.Migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	orderStore := order.NewStore(pool)
	return &stores{
		orders:     orderStore,
		catalog:    orderStore,
		couriers:   courier.NewStore(pool),
		pharmacies: pricing.NewStore(pool),
		inbox:      notify.NewStore(pool),
		close:      pool.Close,
	}, nil
}

// seedDemo gives the in-memory mode one pharmacy, a product and a courier.
func seedDemo(mem *memstore.Store) {
	loc := types.Point{Lat: -23.5505, Lng: -46.6333}
	mem.AddPharmacy(pricing.Pharmacy{
		ID: "demo-pharmacy", Name: "Farmácia Demo", OwnerID: "demo-owner", Location: loc,
		Policy: pricing.Policy{
			Model:         pricing.FeePerKm,
			PerKmRate:     decimal.RequireFromString("1.50"),
			MinOrderValue: decimal.NewFromInt(10),
		},
	})
	mem.AddProduct("demo-pharmacy", "dipirona-500mg", decimal.RequireFromString("12.90"))
	mem.AddCourier(courier.Courier{ID: "demo-courier", Name: "Motoboy Demo", IsActive: true, IsOnline: true, Position: &loc})
}
