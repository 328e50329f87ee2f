package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/notifier"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/stager"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/version"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file (env overrides still apply)")
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	flag.Parse()
	os.Exit(run(*configPath, *once))
}

// run returns the process exit code. Deferred cleanups always run before main
// exits.
func run(configPath string, once bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting sde sync",
		"feed", cfg.Source.FeedURL,
		"schema", cfg.Import.Schema,
		"daily_at", cfg.Schedule.DailyAt,
		"timezone", cfg.Schedule.Timezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	store := version.NewFileStore(cfg.Checkpoint.Path)
	if build, ok, err := store.Get(ctx); err == nil && ok {
		m.SetCheckpoint(build.String())
	}

	fanout, cache, closeTargets := buildNotifier(cfg, m)
	defer closeTargets()

	sched, err := scheduler.New(cfg.Schedule, scheduler.Deps{
		Store:    store,
		Resolver: version.NewResolver(cfg.Source.FeedURL, cfg.Source.FeedTimeout),
		Stager:   stager.New(cfg.Source, cfg.Staging, m),
		Open:     scheduler.PostgresOpener(cfg, m),
		Notifier: fanout,
		Metrics:  m,
	})
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		return 1
	}

	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("checkpoint", health.ErrorCheck(health.StatusDown, func(ctx context.Context) error {
			_, _, err := store.Get(ctx)
			return err
		}))
		pinger := postgres.NewPinger(cfg.Postgres)
		defer pinger.Close()
		checker.Register("postgres", health.ErrorCheck(health.StatusDegraded, pinger.Ping))
		if cache != nil {
			checker.Register("redis", health.ErrorCheck(health.StatusDegraded, cache.Ping))
		}
		checker.Register("last_cycle", sched.HealthCheck)

		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	if once {
		outcome, err := sched.RunCycle(ctx)
		slog.Info("single cycle finished", "outcome", outcome)
		if err != nil {
			return 1
		}
		return 0
	}

	slog.Info("scheduler ready", "targets", fanout.Targets())
	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler error", "error", err)
		return 1
	}
	slog.Info("sde sync stopped")
	return 0
}

// buildNotifier wires every configured invalidation target. Targets whose
// client cannot be created are logged and left out. The Redis client is
// returned for health checks and is nil when Redis is not in use.
func buildNotifier(cfg *config.Config, m *metrics.Metrics) (*notifier.Fanout, *redis.Client, func()) {
	var (
		targets []notifier.Target
		closers []func() error
		cache   *redis.Client
	)
	if cfg.Notify.Endpoint != "" {
		targets = append(targets, notifier.NewHTTP(cfg.Notify))
	}
	if cfg.Redis.Enabled {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis invalidation disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			cache = client
			targets = append(targets, notifier.NewRedis(client, cfg.Redis.KeyPattern))
			closers = append(closers, client.Close)
		}
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		targets = append(targets, notifier.NewKafka(producer))
		closers = append(closers, producer.Close)
	}
	return notifier.NewFanout(m, targets...), cache, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("closing notifier client", "error", err)
			}
		}
	}
}
