package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
)

func TestRunScriptWithoutPathIsNoop(t *testing.T) {
	r := New(nil, "raw", config.MaintenanceConfig{})
	if err := r.RunScript(context.Background()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestRunMissingScriptIsMaintenanceError(t *testing.T) {
	r := New(nil, "raw", config.MaintenanceConfig{ScriptPath: filepath.Join(t.TempDir(), "missing.sql")})
	err := r.Run(context.Background())
	if !errors.Is(err, apperrors.ErrMaintenance) {
		t.Fatalf("expected ErrMaintenance, got %v", err)
	}
	if apperrors.StageOf(err) != apperrors.StageMaintain {
		t.Errorf("expected maintain stage, got %q", apperrors.StageOf(err))
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func skipIfNoPostgres(t *testing.T) (*postgres.Client, string) {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(context.Background(), config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "eve_sde_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "eve_admin"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		ConnectTimeout:  2 * time.Second,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping postgres test: postgres unavailable: %v", err)
	}
	schema := fmt.Sprintf("raw_maint_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.DB.Exec("DROP SCHEMA IF EXISTS " + pq.QuoteIdentifier(schema) + " CASCADE")
		db.Close()
	})
	if _, err := db.DB.Exec("CREATE SCHEMA " + pq.QuoteIdentifier(schema)); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db, schema
}

func TestAnalyzeDiscoversTablesFromCatalog(t *testing.T) {
	db, schema := skipIfNoPostgres(t)
	ctx := context.Background()
	for _, table := range []string{"map_regions", "types", "_sde"} {
		stmt := fmt.Sprintf("CREATE TABLE %s (id TEXT PRIMARY KEY, data JSONB)", postgres.QualifiedName(schema, table))
		if _, err := db.DB.Exec(stmt); err != nil {
			t.Fatalf("creating %s: %v", table, err)
		}
	}

	r := New(db, schema, config.MaintenanceConfig{Analyze: true})
	tables, err := r.Tables(ctx)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("expected 3 tables, got %v", tables)
	}
	n, err := r.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 tables analyzed, got %d", n)
	}
}

func TestRunScriptCreatesView(t *testing.T) {
	db, schema := skipIfNoPostgres(t)
	ctx := context.Background()
	types := postgres.QualifiedName(schema, "types")
	view := postgres.QualifiedName(schema, "v_type_names")
	script := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (id TEXT PRIMARY KEY, data JSONB);
INSERT INTO %[1]s VALUES ('34', '{"name":{"en":"Tritanium"}}') ON CONFLICT DO NOTHING;
CREATE OR REPLACE VIEW %[2]s AS SELECT id, data->'name'->>'en' AS name FROM %[1]s;
`, types, view)
	path := filepath.Join(t.TempDir(), "views.sql")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(db, schema, config.MaintenanceConfig{Analyze: true, ScriptPath: path, Timeout: 30 * time.Second})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	var name string
	if err := db.DB.QueryRow("SELECT name FROM " + view + " WHERE id = '34'").Scan(&name); err != nil {
		t.Fatalf("querying view: %v", err)
	}
	if name != "Tritanium" {
		t.Errorf("expected Tritanium, got %q", name)
	}
}
