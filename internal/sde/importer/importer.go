// Package importer loads newline-delimited JSON datasets into per-file
// postgres tables shaped (id text primary key, data jsonb).
package importer

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/tablename"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
)

// DefaultBatchSize is the number of records per upsert statement.
const DefaultBatchSize = 1000

// Row is one record ready for upsert.
type Row struct {
	ID   string
	Data []byte
}

// Result summarises one file import.
type Result struct {
	File     string
	Table    string
	Imported int
	Skipped  int
	Batches  int
	Duration time.Duration
}

// Importer writes staged files into the raw schema. It borrows the client
// for the lifetime of one update phase and never closes it.
type Importer struct {
	db        *postgres.Client
	schema    string
	keyField  string
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(db *postgres.Client, cfg config.ImportConfig, m *metrics.Metrics) *Importer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > config.MaxBatchSize {
		batchSize = config.MaxBatchSize
	}
	keyField := cfg.KeyField
	if keyField == "" {
		keyField = "_key"
	}
	return &Importer{
		db:        db,
		schema:    cfg.Schema,
		keyField:  keyField,
		batchSize: batchSize,
		metrics:   m,
		logger:    slog.Default().With("component", "importer", "schema", cfg.Schema),
	}
}

// EnsureSchema creates the raw schema if it does not exist.
func (im *Importer) EnsureSchema(ctx context.Context) error {
	if err := tablename.Validate(im.schema); err != nil {
		return fmt.Errorf("raw schema: %w", err)
	}
	if _, err := im.db.DB.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(im.schema))); err != nil {
		return fmt.Errorf("creating schema %s: %w", im.schema, err)
	}
	return nil
}

// EnsureTable creates the destination table if absent. An existing table is
// never altered.
func (im *Importer) EnsureTable(ctx context.Context, table string) error {
	if err := tablename.Validate(table); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id   TEXT PRIMARY KEY,
	data JSONB
)`, postgres.QualifiedName(im.schema, table))
	if _, err := im.db.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// ImportFile upserts every record of file into its destination table.
// The data is written in one transaction: any failure rolls the whole file
// back and is returned.
func (im *Importer) ImportFile(ctx context.Context, file sde.StagedFile) (Result, error) {
	start := time.Now()
	result := Result{File: file.Path}

	table, err := tablename.ForFile(file.Name)
	if err != nil {
		return result, err
	}
	result.Table = table
	if err := im.EnsureTable(ctx, table); err != nil {
		return result, err
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return result, fmt.Errorf("opening %s: %w", file.Path, err)
	}
	defer f.Close()

	qualified := postgres.QualifiedName(im.schema, table)
	var stats ReadStats
	err = im.db.InTx(ctx, func(tx *sql.Tx) error {
		var readErr error
		stats, readErr = ReadBatches(f, im.keyField, im.batchSize, func(rows []Row) error {
			return upsertBatch(ctx, tx, qualified, rows)
		})
		return readErr
	})
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("importing %s into %s: %w", file.Name, table, err)
	}

	result.Imported = stats.Rows
	result.Skipped = stats.Skipped
	result.Batches = stats.Batches
	if im.metrics != nil {
		im.metrics.RecordsUpsertedTotal.Add(float64(stats.Rows))
		im.metrics.RecordsSkippedTotal.Add(float64(stats.Skipped))
		im.metrics.FileImportDuration.Observe(result.Duration.Seconds())
	}
	im.logger.Info("table imported",
		"table", table,
		"records", stats.Rows,
		"skipped", stats.Skipped,
		"batches", stats.Batches,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

// ReadStats counts what ReadBatches consumed. Duplicates are records that
// replaced an earlier record with the same key inside one batch.
type ReadStats struct {
	Lines      int
	Rows       int
	Skipped    int
	Duplicates int
	Batches    int
}

// ReadBatches streams newline-delimited JSON from r, groups records into
// batches of batchSize and hands each batch to flush, including the final
// partial batch. Records whose keyField is absent or null are skipped; a line
// that is not a JSON object aborts with ErrMalformedRecord. Within one batch a
// repeated key keeps the last record.
func ReadBatches(r io.Reader, keyField string, batchSize int, flush func([]Row) error) (ReadStats, error) {
	var stats ReadStats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	br := bufio.NewReaderSize(r, 256*1024)
	batch := make([]Row, 0, batchSize)
	index := make(map[string]int, batchSize)

	emit := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := flush(batch); err != nil {
			return err
		}
		stats.Rows += len(batch)
		stats.Batches++
		batch = batch[:0]
		clear(index)
		return nil
	}

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			stats.Lines++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				id, ok, err := recordKey(trimmed, keyField)
				if err != nil {
					return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
				}
				if !ok {
					stats.Skipped++
				} else {
					data := append([]byte(nil), trimmed...)
					if i, dup := index[id]; dup {
						batch[i].Data = data
						stats.Duplicates++
					} else {
						index[id] = len(batch)
						batch = append(batch, Row{ID: id, Data: data})
					}
					if len(batch) >= batchSize {
						if err := emit(); err != nil {
							return stats, err
						}
					}
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return stats, fmt.Errorf("reading line %d: %w", stats.Lines+1, readErr)
		}
	}
	if err := emit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// recordKey parses line as a JSON object and returns its key as text. JSON
// strings are unquoted; numbers and other scalars keep their literal text, so
// 1 and 1.0 are different ids.
func recordKey(line []byte, keyField string) (string, bool, error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", false, apperrors.Newf(apperrors.ErrMalformedRecord, apperrors.StageImport, "%v", err)
	}
	if rec == nil {
		return "", false, apperrors.New(apperrors.ErrMalformedRecord, apperrors.StageImport, "record is not a JSON object")
	}
	raw, present := rec[keyField]
	if !present {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, apperrors.Newf(apperrors.ErrMalformedRecord, apperrors.StageImport, "key: %v", err)
		}
		return s, true, nil
	}
	return string(raw), true, nil
}

func upsertBatch(ctx context.Context, tx *sql.Tx, qualified string, rows []Row) error {
	args := make([]any, 0, len(rows)*2)
	for _, r := range rows {
		args = append(args, r.ID, string(r.Data))
	}
	if _, err := tx.ExecContext(ctx, BuildUpsert(qualified, len(rows)), args...); err != nil {
		return fmt.Errorf("upserting %d rows: %w", len(rows), err)
	}
	return nil
}

// BuildUpsert renders a multi-row insert that replaces data on key conflict.
// qualified must already be quoted.
func BuildUpsert(qualified string, n int) string {
	var b strings.Builder
	b.Grow(64 + n*16)
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (id, data) VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("($")
		b.WriteString(strconv.Itoa(2*i + 1))
		b.WriteString(", $")
		b.WriteString(strconv.Itoa(2*i + 2))
		b.WriteString("::jsonb)")
	}
	b.WriteString(" ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data")
	return b.String()
}
