package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/planner"
	"github.com/dcrange/dcrange/internal/poll"
	"github.com/dcrange/dcrange/internal/shell"
	"github.com/dcrange/dcrange/internal/terraform"
)

// Job error codes recorded in models.JobError.Code.
const (
	JobErrorValidation    = "validation"
	JobErrorTimeout       = "timeout"
	JobErrorExternalTool  = "external_tool"
	JobErrorInfraConflict = "infra_conflict"
	JobErrorInternal      = "internal"
)

// defaultRetryAfter is the hint returned with a busy-range conflict.
const defaultRetryAfter = 15 * time.Second

var (
	// ErrNoJob is returned when an operation needs a job record and none exists.
	ErrNoJob = errors.New("no active or recent job")
	// ErrHistoryUnavailable is returned when the state backend keeps no history.
	ErrHistoryUnavailable = errors.New("history requires the sqlite state backend")

	errSuperseded = errors.New("job was superseded")
)

// ValidationError lists every problem with a range request.
type ValidationError = planner.ValidationError

// ConflictError rejects an operation that clashes with the current job.
type ConflictError struct {
	Message    string
	Status     models.JobStatus
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return e.Message
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// AsValidation extracts a *ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// jobErrorCode maps a pipeline failure onto the stored error code.
func jobErrorCode(err error) string {
	if _, ok := AsValidation(err); ok {
		return JobErrorValidation
	}
	switch {
	case terraform.IsInfraConflict(err):
		return JobErrorInfraConflict
	case errors.Is(err, poll.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return JobErrorTimeout
	}
	if _, ok := shell.AsCommandError(err); ok {
		return JobErrorExternalTool
	}
	return JobErrorInternal
}

func newJobError(err error, redactor *Redactor) *models.JobError {
	if err == nil {
		return nil
	}
	jobErr := &models.JobError{
		Code:    jobErrorCode(err),
		Message: redactor.Redact(err.Error()),
	}
	if cmdErr, ok := shell.AsCommandError(err); ok {
		jobErr.Trace = redactor.Redact(fmt.Sprintf("$ %s\n%s", cmdErr.Command, cmdErr.Output()))
	}
	return jobErr
}
