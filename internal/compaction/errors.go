// errors.go defines the compaction status family and the wire form that
// carries it between a worker and the initiating process.
package compaction

import (
	"errors"
	"fmt"
)

// Errors returned by compaction jobs. Cancellations wrap ErrCancelled so a
// single errors.Is check tells them apart from failures.
var (
	ErrIOError    = errors.New("compaction: io error")
	ErrCorruption = errors.New("compaction: corruption")
	ErrCancelled  = errors.New("compaction: cancelled")

	ErrShutdownInProgress     = fmt.Errorf("%w: shutdown in progress", ErrCancelled)
	ErrManualCompactionPaused = fmt.Errorf("%w: manual compaction paused", ErrCancelled)

	ErrAlreadyInstalled = errors.New("compaction: job already installed")
	ErrAborted          = errors.New("compaction: aborted")
	ErrNotPrepared      = errors.New("compaction: job not prepared")
	ErrInvalidArgument  = errors.New("compaction: invalid argument")
)

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsCorruption reports whether err is a data integrity failure.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsIOError reports whether err is a storage or transport failure.
func IsIOError(err error) bool { return errors.Is(err, ErrIOError) }

func ioError(op string, err error) error {
	if err == nil || IsIOError(err) || IsCancelled(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIOError, op, err)
}

func corruption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// BackgroundErrorReason says which background operation failed.
type BackgroundErrorReason int

const (
	BackgroundErrorCompaction BackgroundErrorReason = iota
	BackgroundErrorManifestWrite
)

func (r BackgroundErrorReason) String() string {
	if r == BackgroundErrorManifestWrite {
		return "ManifestWrite"
	}
	return "Compaction"
}

// ErrorHandler receives failures that should stop background work.
// Cancellations are never reported to it.
type ErrorHandler interface {
	SetBGError(err error, reason BackgroundErrorReason)
}

// StatusCode is the wire form of a job status.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusIOError
	StatusCorruption
	StatusShutdownInProgress
	StatusManualCompactionPaused
	StatusAborted
	StatusInvalidArgument
	StatusIncomplete
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusIOError:
		return "IOError"
	case StatusCorruption:
		return "Corruption"
	case StatusShutdownInProgress:
		return "ShutdownInProgress"
	case StatusManualCompactionPaused:
		return "ManualCompactionPaused"
	case StatusAborted:
		return "Aborted"
	case StatusInvalidArgument:
		return "InvalidArgument"
	case StatusIncomplete:
		return "Incomplete"
	default:
		return fmt.Sprintf("StatusCode(%d)", uint8(c))
	}
}

// Status is a job outcome as carried on the wire.
type Status struct {
	Code    StatusCode
	Message string
}

// OK reports whether the status is success.
func (s Status) OK() bool { return s.Code == StatusOK }

// StatusFromError converts err to its wire form.
func StatusFromError(err error) Status {
	if err == nil {
		return Status{Code: StatusOK}
	}
	code := StatusIncomplete
	switch {
	case errors.Is(err, ErrShutdownInProgress):
		code = StatusShutdownInProgress
	case errors.Is(err, ErrManualCompactionPaused):
		code = StatusManualCompactionPaused
	case errors.Is(err, ErrCorruption):
		code = StatusCorruption
	case errors.Is(err, ErrIOError):
		code = StatusIOError
	case errors.Is(err, ErrAborted):
		code = StatusAborted
	case errors.Is(err, ErrInvalidArgument):
		code = StatusInvalidArgument
	}
	return Status{Code: code, Message: err.Error()}
}

// Err rebuilds an error in the sentinel family of s, or nil for OK.
func (s Status) Err() error {
	var base error
	switch s.Code {
	case StatusOK:
		return nil
	case StatusIOError:
		base = ErrIOError
	case StatusCorruption:
		base = ErrCorruption
	case StatusShutdownInProgress:
		base = ErrShutdownInProgress
	case StatusManualCompactionPaused:
		base = ErrManualCompactionPaused
	case StatusAborted:
		base = ErrAborted
	case StatusInvalidArgument:
		base = ErrInvalidArgument
	default:
		base = ErrIOError
	}
	if s.Message == "" {
		return base
	}
	return fmt.Errorf("%w (remote: %s)", base, s.Message)
}
