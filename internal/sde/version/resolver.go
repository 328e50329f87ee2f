package version

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
)

const (
	// SentinelKey marks the feed record carrying build metadata.
	SentinelKey = "sde"

	keyField   = "_key"
	buildField = "buildNumber"
	maxLine    = 4 << 20
)

// Resolver reads the upstream metadata feed.
type Resolver struct {
	feedURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewResolver(feedURL string, timeout time.Duration) *Resolver {
	return &Resolver{
		feedURL: feedURL,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "version-resolver"),
	}
}

// Resolve returns the current upstream build. Any failure, including a feed
// without the sentinel record, is reported as ErrVersionUnknown.
func (r *Resolver) Resolve(ctx context.Context) (sde.BuildID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feedURL, nil)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrVersionUnknown, apperrors.StageResolve, "building request: %v", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrVersionUnknown, apperrors.StageResolve, "fetching feed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.Newf(apperrors.ErrVersionUnknown, apperrors.StageResolve, "feed returned status %d", resp.StatusCode)
	}

	build, err := ScanFeed(resp.Body)
	if err != nil {
		return "", err
	}
	r.logger.Debug("remote build resolved", "build", build)
	return build, nil
}

// ScanFeed scans newline-delimited JSON for the sentinel record and returns
// its build number. Lines that fail to parse are ignored.
func ScanFeed(r io.Reader) (sde.BuildID, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		var key string
		if err := json.Unmarshal(rec[keyField], &key); err != nil || key != SentinelKey {
			continue
		}
		build, ok := scalarText(rec[buildField])
		if !ok {
			return "", apperrors.New(apperrors.ErrVersionUnknown, apperrors.StageResolve, "sentinel record has no build number")
		}
		return sde.BuildID(build), nil
	}
	if err := scanner.Err(); err != nil {
		return "", apperrors.Newf(apperrors.ErrVersionUnknown, apperrors.StageResolve, "reading feed: %v", err)
	}
	return "", apperrors.New(apperrors.ErrVersionUnknown, apperrors.StageResolve, fmt.Sprintf("no %q record in feed", SentinelKey))
}

// scalarText renders a JSON string or number without quotes or float
// formatting, so 12345 stays "12345".
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
