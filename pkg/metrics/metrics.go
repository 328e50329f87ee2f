// Package metrics defines the Prometheus metric collectors used by the
// synchronizer and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the synchronizer.
type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	FilesImportedTotal   *prometheus.CounterVec
	RecordsUpsertedTotal prometheus.Counter
	RecordsSkippedTotal  prometheus.Counter
	FileImportDuration   prometheus.Histogram
	MaintenanceFailures  prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	DownloadBytesTotal   prometheus.Counter
	SchedulerState       prometheus.Gauge
	LastSuccessTimestamp prometheus.Gauge
	CheckpointBuild      *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sde_cycles_total",
				Help: "Sync cycles by outcome (up_to_date, updated, failed, skipped).",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sde_cycle_duration_seconds",
				Help:    "Wall time of sync cycles that entered the update phase.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),
		FilesImportedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sde_files_imported_total",
				Help: "Staged files processed by status (ok, failed).",
			},
			[]string{"status"},
		),
		RecordsUpsertedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sde_records_upserted_total",
				Help: "Records written to destination tables.",
			},
		),
		RecordsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sde_records_skipped_total",
				Help: "Records skipped because their key was absent or null.",
			},
		),
		FileImportDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sde_file_import_duration_seconds",
				Help:    "Per-file import latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),
		MaintenanceFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sde_maintenance_failures_total",
				Help: "Post-import maintenance runs that reported an error.",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sde_notifications_total",
				Help: "Cache invalidation notifications by target and status.",
			},
			[]string{"target", "status"},
		),
		DownloadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sde_download_bytes_total",
				Help: "Archive bytes written to staging.",
			},
		),
		SchedulerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sde_scheduler_state",
				Help: "Scheduler state (0=idle, 1=checking, 2=updating, 3=cleaning).",
			},
		),
		LastSuccessTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sde_last_success_timestamp_seconds",
				Help: "Unix time of the last cycle that advanced the checkpoint.",
			},
		),
		CheckpointBuild: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sde_checkpoint_build_info",
				Help: "Set to 1 for the currently checkpointed build.",
			},
			[]string{"build"},
		),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.FilesImportedTotal,
		m.RecordsUpsertedTotal,
		m.RecordsSkippedTotal,
		m.FileImportDuration,
		m.MaintenanceFailures,
		m.NotificationsTotal,
		m.DownloadBytesTotal,
		m.SchedulerState,
		m.LastSuccessTimestamp,
		m.CheckpointBuild,
	)

	return m
}

// SetCheckpoint points the build info gauge at build.
func (m *Metrics) SetCheckpoint(build string) {
	m.CheckpointBuild.Reset()
	m.CheckpointBuild.WithLabelValues(build).Set(1)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
