package migrations

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := embedMigrations.ReadDir(".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	if len(names) < 2 {
		t.Fatalf("expected at least 2 migrations, got %v", names)
	}
	for _, name := range names {
		body, err := embedMigrations.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(body), "-- +goose Up") || !strings.Contains(string(body), "-- +goose Down") {
			t.Errorf("%s is missing goose annotations", name)
		}
	}
}

func TestRunWithInvalidDB(t *testing.T) {
	db, err := sql.Open("pgx", "invalid://connection")
	if err != nil {
		t.Skipf("cannot create test DB handle: %v", err)
	}
	defer db.Close()

	if err := Run(db); err == nil {
		t.Error("expected error for invalid DB connection")
	}
}
