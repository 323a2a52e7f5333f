package domain

import "errors"

// Common domain errors
var (
	// Program errors
	ErrInvalidProgram = errors.New("invalid program")
	ErrProgramTimeout = errors.New("program call timed out")
	ErrProgramPanic   = errors.New("program call panicked")

	// Optimizer validation errors
	ErrInvalidStudentProgram  = errors.New("invalid student program")
	ErrInvalidTeacherProgram  = errors.New("invalid teacher program")
	ErrInvalidOrEmptyTrainset = errors.New("invalid or empty trainset")
	ErrInvalidMetricFunction  = errors.New("invalid metric function")
	ErrInvalidConfig          = errors.New("invalid optimizer configuration")
	ErrUnknownOptimizer       = errors.New("unknown optimizer")

	// Optimizer outcome errors
	ErrNoImprovement = errors.New("no improvement found")

	// Evaluation errors
	ErrEmptyDataset = errors.New("dataset cannot be empty")
	ErrMetricPanic  = errors.New("metric panicked")
	ErrInvalidScore = errors.New("metric returned an invalid score")

	// Example errors
	ErrInvalidInputKeys = errors.New("input keys must be a subset of example keys")

	// Run errors
	ErrRunNotFound       = errors.New("optimization run not found")
	ErrCandidateNotFound = errors.New("optimization candidate not found")

	// Validation errors
	ErrInvalidID    = errors.New("invalid ID format")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// Reason codes reported alongside structural errors.
const (
	CodeInvalidStudentProgram  = "invalid_student_program"
	CodeInvalidTeacherProgram  = "invalid_teacher_program"
	CodeInvalidOrEmptyTrainset = "invalid_or_empty_trainset"
	CodeInvalidMetricFunction  = "invalid_metric_function"
	CodeInvalidProgram         = "invalid_program"
	CodeEmptyDataset           = "empty_dataset"
	CodeInvalidConfig          = "invalid_config"
	CodeNoImprovement          = "no_improvement"
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// CodeOf returns the reason code carried by err, or "" if it has none.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
