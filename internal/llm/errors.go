package llm

import (
	"errors"
	"fmt"
)

// Reason classifies a failed request
type Reason string

const (
	ReasonNetwork     Reason = "network_error"
	ReasonAPI         Reason = "api_error"
	ReasonTimeout     Reason = "timeout"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonRateLimited Reason = "rate_limited"
)

// Error is returned by Client.Request for every failure.
type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s (status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the reason of an llm error, or "" for other errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
