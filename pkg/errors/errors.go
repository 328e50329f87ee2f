package errors

import (
	"errors"
	"fmt"
)

var (
	ErrVersionUnknown   = errors.New("remote build version unknown")
	ErrInvalidBuild     = errors.New("invalid build id")
	ErrTransport        = errors.New("transport failure")
	ErrCorruptArchive   = errors.New("corrupt archive")
	ErrEmptyArchive     = errors.New("archive contains no importable files")
	ErrUnsafeIdentifier = errors.New("unsafe sql identifier")
	ErrMalformedRecord  = errors.New("malformed record")
	ErrNotification     = errors.New("notification failed")
	ErrMaintenance      = errors.New("maintenance failed")
)

// Pipeline stages used to label errors and log lines.
const (
	StageResolve    = "resolve"
	StageStage      = "stage"
	StageImport     = "import"
	StageMaintain   = "maintain"
	StageNotify     = "notify"
	StageCheckpoint = "checkpoint"
)

type StageError struct {
	Err     error
	Stage   string
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Err.Error(), e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func New(sentinel error, stage string, message string) *StageError {
	return &StageError{
		Err:     sentinel,
		Stage:   stage,
		Message: message,
	}
}

func Newf(sentinel error, stage string, format string, args ...any) *StageError {
	return &StageError{
		Err:     sentinel,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
	}
}

// StageOf returns the pipeline stage recorded on err, falling back to the
// stage implied by well-known sentinels.
func StageOf(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}

	switch {
	case errors.Is(err, ErrVersionUnknown), errors.Is(err, ErrInvalidBuild):
		return StageResolve
	case errors.Is(err, ErrTransport), errors.Is(err, ErrCorruptArchive), errors.Is(err, ErrEmptyArchive):
		return StageStage
	case errors.Is(err, ErrUnsafeIdentifier), errors.Is(err, ErrMalformedRecord):
		return StageImport
	case errors.Is(err, ErrMaintenance):
		return StageMaintain
	case errors.Is(err, ErrNotification):
		return StageNotify
	default:
		return "unknown"
	}
}
