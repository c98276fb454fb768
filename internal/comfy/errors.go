// Package comfy drives ComfyUI generation jobs: template-based graph
// construction, submission, progress tracking over a websocket, and
// artifact retrieval.
package comfy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure. Kinds are terminal and mutually
// exclusive; the protocol never retries internally.
type ErrorKind int

const (
	KindNoTemplate ErrorKind = iota
	KindValidation
	KindConnect
	KindExecution
	KindTimeout
	KindFetch
	KindNoOutput
	KindDownload
)

// String returns the stable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNoTemplate:
		return "no-template"
	case KindValidation:
		return "validation-failed"
	case KindConnect:
		return "connect-failed"
	case KindExecution:
		return "execution-error"
	case KindTimeout:
		return "timeout"
	case KindFetch:
		return "fetch-failed"
	case KindNoOutput:
		return "no-output-produced"
	case KindDownload:
		return "download-failed"
	default:
		return "unknown"
	}
}

// JobError is a classified, terminal job failure.
type JobError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// jobErr builds a JobError without a cause.
func jobErr(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapErr builds a JobError wrapping a cause.
func wrapErr(kind ErrorKind, err error, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is a JobError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var je *JobError
	return errors.As(err, &je) && je.Kind == kind
}
