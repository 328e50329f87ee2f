// Package stager downloads a snapshot archive for a build and expands it into
// the staging directory.
package stager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/resilience"
)

// statusError is a non-2xx download response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Stager owns the staging directory layout:
//
//	<dir>/<archiveName(build)>         downloaded archive
//	<dir>/<archiveName(build) - ext>/  expanded files
type Stager struct {
	src     config.SourceConfig
	dir     string
	ext     string
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(src config.SourceConfig, staging config.StagingConfig, m *metrics.Metrics) *Stager {
	ext := staging.Extension
	if ext == "" {
		ext = ".jsonl"
	}
	if src.ChunkSize <= 0 {
		src.ChunkSize = 32 * 1024
	}
	return &Stager{
		src:     src,
		dir:     staging.Dir,
		ext:     ext,
		client:  &http.Client{Timeout: src.DownloadTimeout},
		metrics: m,
		logger:  slog.Default().With("component", "stager"),
	}
}

// ArchivePath is where the archive for build is downloaded.
func (s *Stager) ArchivePath(build sde.BuildID) string {
	return filepath.Join(s.dir, s.src.ArchiveNameFor(build.String()))
}

// ExtractDir is where the archive for build is expanded.
func (s *Stager) ExtractDir(build sde.BuildID) string {
	name := s.src.ArchiveNameFor(build.String())
	return filepath.Join(s.dir, strings.TrimSuffix(name, filepath.Ext(name)))
}

// Stage downloads and expands the archive for build and returns every
// importable file found under the extraction directory.
func (s *Stager) Stage(ctx context.Context, build sde.BuildID) ([]sde.StagedFile, error) {
	if err := build.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidBuild, apperrors.StageStage, err.Error())
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory %s: %w", s.dir, err)
	}
	if err := s.Download(ctx, build); err != nil {
		return nil, err
	}
	dest := s.ExtractDir(build)
	if err := Extract(s.ArchivePath(build), dest); err != nil {
		return nil, err
	}
	files, err := Discover(dest, s.ext)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperrors.Newf(apperrors.ErrEmptyArchive, apperrors.StageStage, "no %s files in %s", s.ext, dest)
	}
	s.logger.Info("archive staged", "build", build, "files", len(files), "dir", dest)
	return files, nil
}

// Download streams the archive for build to ArchivePath. Transport failures
// and 5xx responses are retried; 4xx responses are not.
func (s *Stager) Download(ctx context.Context, build sde.BuildID) error {
	url := s.src.ArchiveURLFor(build.String())
	target := s.ArchivePath(build)

	err := resilience.Retry(ctx, "download-archive", resilience.RetryConfig{
		MaxAttempts: s.src.DownloadAttempts,
		Retryable: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code >= 500
			}
			return ctx.Err() == nil
		},
	}, func(ctx context.Context) error {
		return s.downloadOnce(ctx, url, target)
	})
	if err != nil {
		return apperrors.Newf(apperrors.ErrTransport, apperrors.StageStage, "downloading %s: %v", url, err)
	}
	return nil
}

func (s *Stager) downloadOnce(ctx context.Context, url, target string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}

	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating %s: %w", part, err)
	}
	written, err := io.CopyBuffer(f, resp.Body, make([]byte, s.src.ChunkSize))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DownloadBytesTotal.Add(float64(written))
	}
	s.logger.Info("archive downloaded", "url", url, "bytes", written, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Extract expands every entry of the zip at archivePath under dest,
// preserving directories. Entries resolving outside dest abort extraction.
func Extract(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return apperrors.Newf(apperrors.ErrCorruptArchive, apperrors.StageStage, "opening %s: %v", archivePath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dest, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}

	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return apperrors.Newf(apperrors.ErrCorruptArchive, apperrors.StageStage, "entry %q escapes staging directory", f.Name)
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			continue
		case !mode.IsRegular():
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return apperrors.Newf(apperrors.ErrCorruptArchive, apperrors.StageStage, "opening entry %q: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	_, err = io.Copy(out, rc)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return apperrors.Newf(apperrors.ErrCorruptArchive, apperrors.StageStage, "expanding entry %q: %v", f.Name, err)
	}
	return nil
}

// Discover walks root recursively and returns files with extension ext,
// sorted by path.
func Discover(root, ext string) ([]sde.StagedFile, error) {
	var files []sde.StagedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		base := filepath.Base(path)
		files = append(files, sde.StagedFile{
			Name: strings.TrimSuffix(base, filepath.Ext(base)),
			Path: path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering %s files under %s: %w", ext, root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Cleanup removes the archive and the extraction directory for build.
// Missing paths are not an error.
func (s *Stager) Cleanup(build sde.BuildID) error {
	if err := build.Validate(); err != nil {
		return nil
	}
	var errs []error
	for _, p := range []string{s.ArchivePath(build), s.ArchivePath(build) + ".part"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.ExtractDir(build)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleaning staging for build %s: %w", build, err)
	}
	s.logger.Info("staging cleaned", "build", build)
	return nil
}
