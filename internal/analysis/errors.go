package analysis

import (
	"errors"
	"fmt"
)

// Submission-time errors surfaced to callers.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNoTeam               = errors.New("no team found")
	ErrSubscriptionRequired = errors.New("active subscription required")
	ErrQuotaExceeded        = errors.New("daily quota exceeded")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
)

// Scheduler and store errors.
var (
	ErrJobNotFound       = errors.New("crawl job not found")
	ErrSiteNotFound      = errors.New("site not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrStoreConflict marks a lost claim race. Callers skip the job.
	ErrStoreConflict   = errors.New("store conflict")
	ErrReportExists    = errors.New("report already exists for crawl job")
	ErrExecutorTimeout = errors.New("executor timeout")
)

// ExecutorError wraps a failure reported by a CrawlExecutor.
type ExecutorError struct {
	Message string
	Err     error
}

func (e *ExecutorError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// NewExecutorError wraps err as an ExecutorError keeping its text.
func NewExecutorError(err error) *ExecutorError {
	if err == nil {
		return &ExecutorError{Message: "unknown error"}
	}
	return &ExecutorError{Message: err.Error(), Err: err}
}

// InvalidInputError builds an ErrInvalidInput carrying a field reason.
func InvalidInputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// TransitionError reports an attempted illegal transition.
func TransitionError(jobID string, from, to JobStatus) error {
	return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, jobID, from, to)
}
