// README: Smoke and load runner; checks infra, walks an order through the API and races dispatch in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

// Tokens are Firebase ID tokens for one account per role. API flow cases
// are skipped when a token they need is missing.
type Tokens struct {
	Customer string
	Pharmacy string
	Courier  string
	Admin    string
}

type Config struct {
	BaseURL     string
	DSN         string
	RedisAddr   string
	PharmacyID  string
	ProductID   string
	CourierID   string
	Tokens      Tokens
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Duration    time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("IFARMA_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("IFARMA_DB_DSN"), "Postgres DSN")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("IFARMA_REDIS_ADDR"), "Redis address")
	flag.StringVar(&cfg.PharmacyID, "pharmacy", envOrDefault("IFARMA_BENCH_PHARMACY", "demo-pharmacy"), "Pharmacy used by the API flow")
	flag.StringVar(&cfg.ProductID, "product", envOrDefault("IFARMA_BENCH_PRODUCT", "dipirona-500mg"), "Product used by the API flow")
	flag.StringVar(&cfg.CourierID, "courier", envOrDefault("IFARMA_BENCH_COURIER", "demo-courier"), "Courier used by the API flow")
	flag.StringVar(&cfg.Tokens.Customer, "token-customer", os.Getenv("IFARMA_BENCH_TOKEN_CUSTOMER"), "Customer ID token")
	flag.StringVar(&cfg.Tokens.Pharmacy, "token-pharmacy", os.Getenv("IFARMA_BENCH_TOKEN_PHARMACY"), "Pharmacy ID token")
	flag.StringVar(&cfg.Tokens.Courier, "token-courier", os.Getenv("IFARMA_BENCH_TOKEN_COURIER"), "Courier ID token")
	flag.StringVar(&cfg.Tokens.Admin, "token-admin", os.Getenv("IFARMA_BENCH_TOKEN_ADMIN"), "Admin ID token")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("IFARMA_BENCH_STRICT", false), "Fail on skipped cases")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("IFARMA_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("IFARMA_BENCH_CONCURRENCY", 20), "Concurrency for race and perf cases")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("IFARMA_BENCH_DURATION", 10*time.Second), "Duration for perf cases")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
