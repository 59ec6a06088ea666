package render

import (
	"errors"
	"fmt"
	"time"

	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrRenderInFlight means another worker holds a live render for the job.
	ErrRenderInFlight = errors.New("render already in flight")
	// ErrAlreadyTerminal means the job completed or failed before this delivery.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	// ErrRenderConflict means the job is not in a state a render can start from.
	ErrRenderConflict = errors.New("render state conflict")
)

type notFoundError struct {
	kind jobs.Kind
	id   string
}

func (e *notFoundError) Error() string {
	if e.kind == jobs.KindCaption {
		return "Caption job not found: " + e.id
	}
	return "Render job not found: " + e.id
}

func (e *notFoundError) Is(target error) bool { return target == ErrJobNotFound }

// Failure is returned once a failed attempt has been written to the job
// row. Reason is the text stored in render_error.
type Failure struct {
	JobID  string
	Kind   jobs.Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string { return f.Reason }

func (f *Failure) Unwrap() error { return f.Err }

// fatalRenderError carries a renderer-reported failure verbatim.
type fatalRenderError struct{ msg string }

func (e *fatalRenderError) Error() string { return e.msg }

type timeoutError struct{ after time.Duration }

func (e *timeoutError) Error() string { return fmt.Sprintf("render timed out after %s", e.after) }
