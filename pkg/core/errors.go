package core

import (
	"errors"
)

// Submission and lookup errors. These are the only errors surfaced
// synchronously to callers; everything inside a running handler is captured
// by the dispatch wrapper and lands on the job record instead.
var (
	ErrUnknownJobType     = errors.New("jobs: no handler registered for job type")
	ErrInvalidJobTypeName = errors.New("jobs: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("jobs: job type name too long")
	ErrParamsTooLarge     = errors.New("jobs: job parameters exceed size limit")
	ErrJobNotFound        = errors.New("jobs: job not found")
	ErrStaleTransition    = errors.New("jobs: job status changed concurrently, transition dropped")
	ErrRegistryClosed     = errors.New("jobs: registry is shut down")
)

// Connection errors surfaced by the connection manager.
var (
	ErrConnectionLimit = errors.New("ws: connection limit exceeded for user")
	ErrHubClosed       = errors.New("ws: hub is shut down")
)

// TimeoutErrorMessage is the fixed error recorded when the watchdog
// force-fails an overdue job. Distinct from handler errors for observability.
const TimeoutErrorMessage = "Timeout exceeded"
