// README: Bench cases: infra checks, API order lifecycle, in-process dispatch race and throughput.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ifarma/internal/config"
	"ifarma/internal/memstore"
	"ifarma/internal/migrations"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var expectedTables = []string{
	"pharmacies", "pharmacy_delivery_policies", "products", "couriers", "orders",
	"order_items", "order_state_events", "route_history", "device_tokens", "notifications",
}

var (
	benchPickup  = types.Point{Lat: -23.5505, Lng: -46.6333}
	benchDropoff = types.Point{Lat: -23.5310, Lng: -46.6130}
)

type Runner struct {
	cfg   Config
	api   *resty.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg: cfg,
		api: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency.Round(time.Millisecond))
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: version and tables", Run: checkMigrations},
		{Name: "API: health", Run: checkHealth},
		{Name: "API: checkout without token -> 401", Run: checkUnauthenticated},
		{Name: "Flow: checkout to delivery", Run: orderLifecycle},
		{Name: "Flow: cancel requires a reason", Run: cancelNeedsReason},
		{Name: "Concurrency: one courier, many orders", Run: dispatchRace},
		{Name: "Perf: in-process courier positions", Run: positionThroughput},
		{Name: "Perf: API courier positions", Run: apiPositionThroughput},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkMigrations(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	sqlDB := stdlib.OpenDBFromPool(r.db)
	defer sqlDB.Close()
	version, err := migrations.Version(sqlDB)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range expectedTables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("version=%d", version)}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	resp, err := r.api.R().SetContext(ctx).Get("/health")
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return Result{Status: statusFail, Latency: resp.Time(), Note: fmt.Sprintf("status=%d", resp.StatusCode())}
	}
	return Result{Status: statusPass, Latency: resp.Time()}
}

func checkUnauthenticated(ctx context.Context, r *Runner) Result {
	resp, err := r.api.R().SetContext(ctx).SetBody(map[string]any{}).Post("/api/orders")
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", resp.StatusCode())}
	}
	return Result{Status: statusPass, Latency: resp.Time()}
}

type orderView struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	CourierID *string `json:"courier_id"`
}

// call sends one authenticated request and decodes an order on the wanted status.
func (r *Runner) call(ctx context.Context, token, method, path string, body any, want int) (*orderView, error) {
	req := r.api.R().SetContext(ctx).SetAuthToken(token)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != want {
		return nil, fmt.Errorf("%s %s: status=%d body=%s", method, path, resp.StatusCode(), resp.String())
	}
	var o orderView
	if err := json.Unmarshal(resp.Body(), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Runner) checkout(ctx context.Context) (*orderView, error) {
	return r.call(ctx, r.cfg.Tokens.Customer, http.MethodPost, "/api/orders", map[string]any{
		"pharmacy_id":    r.cfg.PharmacyID,
		"items":          []map[string]any{{"product_id": r.cfg.ProductID, "quantity": 2}},
		"payment_method": "pix",
		"address":        "Rua Augusta, 100",
		"lat":            benchDropoff.Lat,
		"lng":            benchDropoff.Lng,
	}, http.StatusCreated)
}

func orderLifecycle(ctx context.Context, r *Runner) Result {
	t := r.cfg.Tokens
	if t.Customer == "" || t.Pharmacy == "" || t.Courier == "" {
		return Result{Status: statusSkip, Note: "customer, pharmacy and courier tokens required"}
	}
	start := time.Now()
	o, err := r.checkout(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	transitions := "/api/orders/" + o.ID + "/transitions"
	steps := []struct {
		token string
		body  map[string]any
		want  string
	}{
		{t.Pharmacy, map[string]any{"status": "preparando"}, "preparando"},
		{t.Pharmacy, map[string]any{"status": "aguardando_motoboy", "auto_assign": true}, "pronto_entrega"},
		{t.Courier, map[string]any{"status": "em_rota"}, "em_rota"},
		{t.Courier, map[string]any{"status": "entregue"}, "entregue"},
	}
	for _, s := range steps {
		got, err := r.call(ctx, s.token, http.MethodPost, transitions, s.body, http.StatusOK)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if got.Status != s.want {
			return Result{Status: statusFail, Note: fmt.Sprintf("expected %s, got %s", s.want, got.Status)}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: "order=" + o.ID}
}

func cancelNeedsReason(ctx context.Context, r *Runner) Result {
	if r.cfg.Tokens.Customer == "" {
		return Result{Status: statusSkip, Note: "customer token required"}
	}
	o, err := r.checkout(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	path := "/api/orders/" + o.ID + "/cancel"
	resp, err := r.api.R().SetContext(ctx).SetAuthToken(r.cfg.Tokens.Customer).SetBody(map[string]any{"reason": ""}).Post(path)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if resp.StatusCode() != http.StatusBadRequest {
		return Result{Status: statusFail, Note: fmt.Sprintf("blank reason: status=%d", resp.StatusCode())}
	}
	got, err := r.call(ctx, r.cfg.Tokens.Customer, http.MethodPost, path, map[string]any{"reason": "bench"}, http.StatusOK)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if got.Status != "cancelado" {
		return Result{Status: statusFail, Note: "status=" + got.Status}
	}
	return Result{Status: statusPass}
}

// inProcess wires the services over the in-memory store.
type inProcess struct {
	store    *memstore.Store
	orders   *order.Service
	couriers *courier.Service
	dispatch *dispatch.Service
}

func newInProcess(couriers ...courier.Courier) *inProcess {
	st := memstore.New()
	st.AddPharmacy(pricing.Pharmacy{
		ID: "bench-pharmacy", OwnerID: "bench-owner", Location: benchPickup,
		Policy: pricing.Policy{Model: pricing.FeeFixed, FixedFee: decimal.NewFromInt(5)},
	})
	st.AddProduct("bench-pharmacy", "bench-product", decimal.NewFromInt(20))
	for _, c := range couriers {
		st.AddCourier(c)
	}
	cfg := config.DispatchConfig{RadiusKm: 10, CandidateLimit: 20}
	orders := order.NewService(st.Orders(), st.Orders(), pricing.NewService(st.Pharmacies(), nil), nil)
	cs := courier.NewService(st.Couriers(), nil, cfg)
	d := dispatch.NewService(orders, cs, cfg)
	orders.SetDispatcher(d)
	orders.Subscribe(cs)
	return &inProcess{store: st, orders: orders, couriers: cs, dispatch: d}
}

func (p *inProcess) readyOrder(ctx context.Context) (types.ID, error) {
	o, err := p.orders.Create(ctx, order.CreateCommand{
		CustomerID:    "bench-customer",
		PharmacyID:    "bench-pharmacy",
		Items:         []order.ItemRequest{{ProductID: "bench-product", Quantity: 1}},
		PaymentMethod: order.PaymentPix,
		Address:       "Rua Augusta, 100",
		Dropoff:       benchDropoff,
	})
	if err != nil {
		return "", err
	}
	for _, s := range []order.Status{order.StatusPreparing, order.StatusAwaitingCourier} {
		if _, err := p.orders.RequestTransition(ctx, order.TransitionCommand{OrderID: o.ID, Target: s, Role: order.RoleSystem}); err != nil {
			return "", err
		}
	}
	return o.ID, nil
}

func dispatchRace(ctx context.Context, r *Runner) Result {
	// The order service logs every skipped auto-assign; keep the report readable.
	prev := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(prev)

	p := newInProcess(courier.Courier{ID: "solo", IsActive: true, IsOnline: true, Position: &benchPickup})
	ids := make([]types.ID, 0, r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		id, err := p.readyOrder(ctx)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		ids = append(ids, id)
	}

	start := time.Now()
	var wg sync.WaitGroup
	var success, unavailable, other int64
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			_, err := p.dispatch.AutoAssign(ctx, id)
			switch {
			case err == nil:
				atomic.AddInt64(&success, 1)
			case errors.Is(err, order.ErrCourierUnavailable):
				atomic.AddInt64(&unavailable, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}(id)
	}
	wg.Wait()

	note := fmt.Sprintf("success=%d unavailable=%d other=%d", success, unavailable, other)
	if success != 1 || other != 0 {
		return Result{Status: statusFail, Latency: time.Since(start), Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: note}
}

func positionThroughput(ctx context.Context, r *Runner) Result {
	fleet := make([]courier.Courier, 0, r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		fleet = append(fleet, courier.Courier{ID: types.ID(fmt.Sprintf("bench-courier-%d", i)), IsActive: true, IsOnline: true})
	}
	p := newInProcess(fleet...)
	return load(ctx, r.cfg.Concurrency, min(r.cfg.Duration, 2*time.Second), func(ctx context.Context, worker int) error {
		return p.couriers.UpdatePosition(ctx, courier.PositionCommand{
			CourierID: fleet[worker].ID,
			Point:     benchPickup,
			At:        time.Now().UTC(),
		})
	})
}

func apiPositionThroughput(ctx context.Context, r *Runner) Result {
	if r.cfg.Tokens.Courier == "" {
		return Result{Status: statusSkip, Note: "courier token required"}
	}
	path := "/api/couriers/" + r.cfg.CourierID + "/position"
	return load(ctx, r.cfg.Concurrency, r.cfg.Duration, func(ctx context.Context, _ int) error {
		resp, err := r.api.R().SetContext(ctx).SetAuthToken(r.cfg.Tokens.Courier).
			SetBody(map[string]any{"lat": benchPickup.Lat, "lng": benchPickup.Lng}).
			Put(path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("status=%d", resp.StatusCode())
		}
		return nil
	})
}

// load runs fn from workers goroutines until d elapses and reports the rate.
func load(ctx context.Context, workers int, d time.Duration, fn func(ctx context.Context, worker int) error) Result {
	end := time.Now().Add(d)
	var count, errCount int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				if err := fn(ctx, worker); err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&count, 1)
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("no calls completed, errors=%d", errCount)}
	}
	rps := float64(count) / d.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}
