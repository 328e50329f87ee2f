// Package notifier tells downstream readers that a new build is visible.
// Every target is best-effort: failures are returned for logging and never
// retried within a cycle.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
)

// EventUpdated is the event name sent to every target.
const EventUpdated = "sde.updated"

// UpdateEvent is the payload describing a visible build.
type UpdateEvent struct {
	Event string    `json:"event"`
	Build string    `json:"build"`
	At    time.Time `json:"at"`
}

func newEvent(build sde.BuildID) UpdateEvent {
	return UpdateEvent{Event: EventUpdated, Build: build.String(), At: time.Now().UTC()}
}

// Target is one downstream invalidation channel.
type Target interface {
	Name() string
	Notify(ctx context.Context, build sde.BuildID) error
}

// HTTP posts the update event to the reader's invalidation endpoint with a
// shared-secret header.
type HTTP struct {
	endpoint string
	secret   string
	header   string
	client   *http.Client
}

func NewHTTP(cfg config.NotifyConfig) *HTTP {
	header := cfg.SecretHeader
	if header == "" {
		header = "X-Internal-Secret"
	}
	return &HTTP{
		endpoint: cfg.Endpoint,
		secret:   cfg.Secret,
		header:   header,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Notify(ctx context.Context, build sde.BuildID) error {
	body, err := json.Marshal(newEvent(build))
	if err != nil {
		return fmt.Errorf("marshaling update event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Newf(apperrors.ErrNotification, apperrors.StageNotify, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.secret != "" {
		req.Header.Set(h.header, h.secret)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.ErrNotification, apperrors.StageNotify, "posting to %s: %v", h.endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.Newf(apperrors.ErrNotification, apperrors.StageNotify, "%s returned status %d", h.endpoint, resp.StatusCode)
	}
	return nil
}

// KeyFlusher deletes cache keys by glob pattern.
type KeyFlusher interface {
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Redis drops the reader's cached keys directly.
type Redis struct {
	client  KeyFlusher
	pattern string
	logger  *slog.Logger
}

func NewRedis(client KeyFlusher, pattern string) *Redis {
	return &Redis{
		client:  client,
		pattern: pattern,
		logger:  slog.Default().With("component", "notifier", "target", "redis"),
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Notify(ctx context.Context, build sde.BuildID) error {
	deleted, err := r.client.FlushByPattern(ctx, r.pattern)
	if err != nil {
		return apperrors.Newf(apperrors.ErrNotification, apperrors.StageNotify, "flushing %s: %v", r.pattern, err)
	}
	r.logger.Info("cache keys flushed", "pattern", r.pattern, "deleted", deleted, "build", build)
	return nil
}

// Publisher publishes one keyed event.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Kafka publishes the update event keyed by build.
type Kafka struct {
	producer Publisher
}

func NewKafka(producer Publisher) *Kafka {
	return &Kafka{producer: producer}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Notify(ctx context.Context, build sde.BuildID) error {
	err := k.producer.Publish(ctx, kafka.Event{Key: build.String(), Value: newEvent(build)})
	if err != nil {
		return apperrors.Newf(apperrors.ErrNotification, apperrors.StageNotify, "publishing update event: %v", err)
	}
	return nil
}

// Fanout notifies every target concurrently. One failing target does not
// cancel the others.
type Fanout struct {
	targets []Target
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewFanout(m *metrics.Metrics, targets ...Target) *Fanout {
	return &Fanout{
		targets: targets,
		metrics: m,
		logger:  slog.Default().With("component", "notifier"),
	}
}

// Targets returns the configured target names.
func (f *Fanout) Targets() []string {
	names := make([]string, 0, len(f.targets))
	for _, t := range f.targets {
		names = append(names, t.Name())
	}
	return names
}

func (f *Fanout) Notify(ctx context.Context, build sde.BuildID) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, target := range f.targets {
		target := target
		g.Go(func() error {
			err := target.Notify(ctx, build)
			status := "ok"
			if err != nil {
				status = "failed"
				f.logger.Warn("notification failed", "target", target.Name(), "build", build, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", target.Name(), err))
				mu.Unlock()
			} else {
				f.logger.Info("downstream notified", "target", target.Name(), "build", build)
			}
			if f.metrics != nil {
				f.metrics.NotificationsTotal.WithLabelValues(target.Name(), status).Inc()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
