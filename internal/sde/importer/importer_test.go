package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
)

func collect(t *testing.T, input string, batchSize int) ([][]Row, ReadStats, error) {
	t.Helper()
	var batches [][]Row
	stats, err := ReadBatches(strings.NewReader(input), "_key", batchSize, func(rows []Row) error {
		batches = append(batches, append([]Row(nil), rows...))
		return nil
	})
	return batches, stats, err
}

func TestReadBatchesSizesAndRemainder(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 7; i++ {
		fmt.Fprintf(&b, `{"_key":%d,"name":"item %d"}`+"\n", i, i)
	}
	batches, stats, err := collect(t, b.String(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches (3+3+1), got %d", len(batches))
	}
	if len(batches[2]) != 1 {
		t.Errorf("expected remainder batch of 1, got %d", len(batches[2]))
	}
	if stats.Rows != 7 || stats.Batches != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if batches[0][0].ID != "1" {
		t.Errorf("expected numeric key rendered as \"1\", got %q", batches[0][0].ID)
	}
}

func TestReadBatchesSkipsNullAndMissingKeys(t *testing.T) {
	input := strings.Join([]string{
		`{"_key": null, "x":1}`,
		`{"x":2}`,
		`{"_key":"sde","buildNumber":12345}`,
		``,
		`   `,
	}, "\n")
	batches, stats, err := collect(t, input, 10)
	if err != nil {
		t.Fatalf("null key must not abort the file: %v", err)
	}
	if stats.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", stats.Skipped)
	}
	if stats.Rows != 1 || len(batches) != 1 || batches[0][0].ID != "sde" {
		t.Errorf("expected single row keyed sde, got %+v", batches)
	}
}

func TestReadBatchesKeepsRecordVerbatim(t *testing.T) {
	line := `{"_key":34,"name":{"en":"Tritanium"},"volume":0.01}`
	batches, _, err := collect(t, line, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(batches[0][0].Data) != line {
		t.Errorf("expected verbatim record, got %s", batches[0][0].Data)
	}
	if !json.Valid(batches[0][0].Data) {
		t.Error("stored document is not valid JSON")
	}
}

func TestReadBatchesDeduplicatesWithinBatch(t *testing.T) {
	input := `{"_key":1,"v":"old"}` + "\n" + `{"_key":1,"v":"new"}` + "\n" + `{"_key":2}` + "\n"
	batches, stats, err := collect(t, input, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches[0]) != 2 {
		t.Fatalf("expected 2 unique rows, got %d", len(batches[0]))
	}
	if !strings.Contains(string(batches[0][0].Data), "new") {
		t.Errorf("expected last record to win, got %s", batches[0][0].Data)
	}
	if stats.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", stats.Duplicates)
	}
}

func TestReadBatchesMalformedLineAborts(t *testing.T) {
	input := `{"_key":1}` + "\n" + `{"_key":2,` + "\n" + `{"_key":3}` + "\n"
	_, stats, err := collect(t, input, 1)
	if !errors.Is(err, apperrors.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected error to name line 2, got %v", err)
	}
	if stats.Rows != 1 {
		t.Errorf("expected the first batch to have flushed before the failure, got %d rows", stats.Rows)
	}
}

func TestReadBatchesRejectsNonObjectLines(t *testing.T) {
	for _, line := range []string{"null", "[1,2]", "42", `"text"`} {
		_, _, err := collect(t, `{"_key":1}`+"\n"+line+"\n", 10)
		if !errors.Is(err, apperrors.ErrMalformedRecord) {
			t.Errorf("line %s: expected ErrMalformedRecord, got %v", line, err)
			continue
		}
		if !strings.Contains(err.Error(), "line 2") {
			t.Errorf("line %s: expected error to name line 2, got %v", line, err)
		}
	}
}

func TestReadBatchesKeepsNumericKeyText(t *testing.T) {
	input := `{"_key":1}` + "\n" + `{"_key":1.0}` + "\n" + `{"_key":1e3}` + "\n"
	batches, stats, err := collect(t, input, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Duplicates != 0 || len(batches[0]) != 3 {
		t.Fatalf("expected three distinct ids, got %+v", batches)
	}
	for i, want := range []string{"1", "1.0", "1e3"} {
		if got := batches[0][i].ID; got != want {
			t.Errorf("row %d: expected id %q, got %q", i, want, got)
		}
	}
}

func TestReadBatchesNoTrailingNewline(t *testing.T) {
	_, stats, err := collect(t, `{"_key":"a"}`+"\n"+`{"_key":"b"}`, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rows != 2 {
		t.Errorf("expected final unterminated line to be read, got %d rows", stats.Rows)
	}
}

func TestReadBatchesPropagatesFlushError(t *testing.T) {
	boom := errors.New("constraint violation")
	_, err := ReadBatches(strings.NewReader(`{"_key":1}`), "_key", 10, func([]Row) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected flush error, got %v", err)
	}
}

func TestBuildUpsert(t *testing.T) {
	got := BuildUpsert(`"raw"."map_regions"`, 2)
	want := `INSERT INTO "raw"."map_regions" (id, data) VALUES ($1, $2::jsonb),($3, $4::jsonb) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`
	if got != want {
		t.Errorf("unexpected statement:\n got: %s\nwant: %s", got, want)
	}
}

// ---------------------------------------------------------------------------
// PostgreSQL-backed tests
// ---------------------------------------------------------------------------

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func skipIfNoPostgres(t *testing.T) (*postgres.Client, string) {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	cfg := config.PostgresConfig{
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
	}
	db, err := postgres.New(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping postgres test: postgres unavailable: %v", err)
	}
	schema := fmt.Sprintf("raw_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.DB.Exec("DROP SCHEMA IF EXISTS " + pq.QuoteIdentifier(schema) + " CASCADE")
		db.Close()
	})
	return db, schema
}

func writeFile(t *testing.T, dir, name, body string) sde.StagedFile {
	t.Helper()
	path := filepath.Join(dir, name+".jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return sde.StagedFile{Name: name, Path: path}
}

func tableContents(t *testing.T, db *postgres.Client, schema, table string) map[string]string {
	t.Helper()
	rows, err := db.DB.Query(fmt.Sprintf("SELECT id, data::text FROM %s ORDER BY id", postgres.QualifiedName(schema, table)))
	if err != nil {
		t.Fatalf("querying %s: %v", table, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			t.Fatal(err)
		}
		out[id] = data
	}
	return out
}

func TestImportFileIsIdempotent(t *testing.T) {
	db, schema := skipIfNoPostgres(t)
	ctx := context.Background()
	im := New(db, config.ImportConfig{Schema: schema, KeyField: "_key", BatchSize: 2}, metrics.New(prometheus.NewRegistry()))
	if err := im.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	file := writeFile(t, t.TempDir(), "mapRegions", strings.Join([]string{
		`{"_key":10000001,"name":"Derelik"}`,
		`{"_key":10000002,"name":"The Forge"}`,
		`{"_key":null,"name":"ghost"}`,
		`{"_key":10000003,"name":"Lonetrek"}`,
	}, "\n"))

	first, err := im.ImportFile(ctx, file)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Table != "map_regions" || first.Imported != 3 || first.Skipped != 1 {
		t.Errorf("unexpected first result %+v", first)
	}
	once := tableContents(t, db, schema, "map_regions")

	if _, err := im.ImportFile(ctx, file); err != nil {
		t.Fatalf("second import: %v", err)
	}
	twice := tableContents(t, db, schema, "map_regions")
	if len(once) != 3 || len(twice) != 3 {
		t.Fatalf("expected 3 rows after each import, got %d and %d", len(once), len(twice))
	}
	for id, doc := range once {
		if twice[id] != doc {
			t.Errorf("row %s changed between imports: %s vs %s", id, doc, twice[id])
		}
	}
}

func TestImportFileReplacesDocumentOnConflict(t *testing.T) {
	db, schema := skipIfNoPostgres(t)
	ctx := context.Background()
	im := New(db, config.ImportConfig{Schema: schema, KeyField: "_key", BatchSize: 100}, nil)
	if err := im.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if _, err := im.ImportFile(ctx, writeFile(t, dir, "types", `{"_key":34,"name":"Tritanium"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := im.ImportFile(ctx, writeFile(t, dir, "types", `{"_key":34,"name":"Tritanium II"}`)); err != nil {
		t.Fatal(err)
	}
	rows := tableContents(t, db, schema, "types")
	if !strings.Contains(rows["34"], "Tritanium II") {
		t.Errorf("expected replaced document, got %s", rows["34"])
	}
}

func TestImportFileRollsBackOnMalformedLine(t *testing.T) {
	db, schema := skipIfNoPostgres(t)
	ctx := context.Background()
	im := New(db, config.ImportConfig{Schema: schema, KeyField: "_key", BatchSize: 1}, nil)
	if err := im.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	file := writeFile(t, t.TempDir(), "stations", `{"_key":1}`+"\n"+`{"_key":2}`+"\n"+`{broken`+"\n")

	if _, err := im.ImportFile(ctx, file); !errors.Is(err, apperrors.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	if rows := tableContents(t, db, schema, "stations"); len(rows) != 0 {
		t.Errorf("expected rollback to leave table empty, got %d rows", len(rows))
	}
}
