// Package maintenance refreshes planner statistics for the raw tables and
// runs the operator's view script after an import.
package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/tablename"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/resilience"
)

type Runner struct {
	db     *postgres.Client
	schema string
	cfg    config.MaintenanceConfig
	logger *slog.Logger
}

func New(db *postgres.Client, schema string, cfg config.MaintenanceConfig) *Runner {
	return &Runner{
		db:     db,
		schema: schema,
		cfg:    cfg,
		logger: slog.Default().With("component", "maintenance", "schema", schema),
	}
}

// Tables lists the tables currently present in the raw schema, read from the
// catalog rather than from what the cycle imported.
func (r *Runner) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = $1 ORDER BY tablename`,
		r.schema,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tables in %s: %w", r.schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Analyze runs ANALYZE on every raw table. Tables whose catalog name is not
// a safe identifier are skipped; per-table failures are collected and the
// remaining tables still run.
func (r *Runner) Analyze(ctx context.Context) (int, error) {
	tables, err := r.Tables(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	analyzed := 0
	for _, table := range tables {
		if err := tablename.Validate(table); err != nil {
			r.logger.Warn("skipping table with unsafe name", "table", table)
			continue
		}
		if _, err := r.db.DB.ExecContext(ctx, "ANALYZE "+postgres.QualifiedName(r.schema, table)); err != nil {
			errs = append(errs, fmt.Errorf("analyze %s: %w", table, err))
			continue
		}
		analyzed++
	}
	r.logger.Info("statistics refreshed", "tables", analyzed, "failed", len(errs))
	return analyzed, errors.Join(errs...)
}

// RunScript executes the configured SQL script in one transaction. An empty
// script path is a no-op.
func (r *Runner) RunScript(ctx context.Context) error {
	if r.cfg.ScriptPath == "" {
		return nil
	}
	script, err := os.ReadFile(r.cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("reading maintenance script: %w", err)
	}
	body := strings.TrimSpace(string(script))
	if body == "" {
		r.logger.Warn("maintenance script is empty", "path", r.cfg.ScriptPath)
		return nil
	}

	start := time.Now()
	err = resilience.WithTimeout(ctx, r.cfg.Timeout, "maintenance-script", func(ctx context.Context) error {
		return r.db.InTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, body)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("running %s: %w", r.cfg.ScriptPath, err)
	}
	r.logger.Info("maintenance script applied", "path", r.cfg.ScriptPath, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Run refreshes statistics and then applies the script. Both steps always
// run; their errors are joined and tagged ErrMaintenance.
func (r *Runner) Run(ctx context.Context) error {
	var errs []error
	if r.cfg.Analyze {
		if _, err := r.Analyze(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.RunScript(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return apperrors.New(apperrors.ErrMaintenance, apperrors.StageMaintain, errors.Join(errs...).Error())
}
