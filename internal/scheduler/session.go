package scheduler

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/importer"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/maintenance"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
)

// dbSession owns one postgres connection pool for the length of an update
// phase.
type dbSession struct {
	db       *postgres.Client
	importer *importer.Importer
	runner   *maintenance.Runner
}

// PostgresOpener returns a SessionOpener that connects to postgres, makes sure
// the raw schema exists and wires the importer and maintenance runner to the
// same pool.
func PostgresOpener(cfg *config.Config, m *metrics.Metrics) SessionOpener {
	return func(ctx context.Context) (Session, error) {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		im := importer.New(db, cfg.Import, m)
		if err := im.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &dbSession{
			db:       db,
			importer: im,
			runner:   maintenance.New(db, cfg.Import.Schema, cfg.Maintenance),
		}, nil
	}
}

func (s *dbSession) Import(ctx context.Context, file sde.StagedFile) (importer.Result, error) {
	return s.importer.ImportFile(ctx, file)
}

func (s *dbSession) Maintain(ctx context.Context) error {
	return s.runner.Run(ctx)
}

func (s *dbSession) Close() error {
	return s.db.Close()
}
