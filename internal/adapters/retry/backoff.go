package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/metrics"
)

// Policy describes an exponential backoff schedule. MaxRetries counts extra
// attempts, so a policy with MaxRetries 2 calls fn at most three times.
type Policy struct {
	// Name labels retry metrics
	Name            string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
	// Jitter spreads each wait by up to this fraction in either direction
	Jitter float64
}

// Predicate decides whether an error is worth another attempt.
type Predicate func(error) bool

// HTTPPolicy is used for calls to the LLM endpoint.
func HTTPPolicy() Policy {
	return Policy{
		Name:            "http",
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
		Jitter:          0.2,
	}
}

// TeacherPolicy is used for teacher program calls during bootstrapping.
func TeacherPolicy(retries int, initial time.Duration) Policy {
	return Policy{
		Name:            "teacher",
		InitialInterval: initial,
		MaxInterval:     5 * time.Second,
		MaxRetries:      retries,
		Multiplier:      2.0,
	}
}

// Delay returns the wait before retry number attempt (0 based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialInterval)
	for range attempt {
		d *= max(p.Multiplier, 1)
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			d = float64(p.MaxInterval)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

// StatusError reports an unsuccessful HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// permanentError stops Do regardless of the predicate.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Any retries every error except context cancellation.
func Any(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Transient retries network failures that are likely to clear up and HTTP
// statuses 408, 429 and 5xx.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is definitive
		return !dnsErr.IsNotFound
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// RetryableStatus reports whether an HTTP status code is worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		(code >= 500 && code < 600)
}

// Do calls fn until it succeeds, retryIf rejects its error, the policy is
// exhausted or ctx ends. It returns the number of calls made. The returned
// error wraps the last error from fn.
func Do(ctx context.Context, p Policy, retryIf Predicate, fn func() error) (int, error) {
	if retryIf == nil {
		retryIf = Transient
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return attempt + 1, nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return attempt + 1, perm.err
		}
		if !retryIf(lastErr) {
			return attempt + 1, fmt.Errorf("non-retryable error on attempt %d: %w", attempt+1, lastErr)
		}
		if attempt == p.MaxRetries {
			break
		}

		metrics.RetriesTotal.WithLabelValues(p.name()).Inc()
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return p.MaxRetries + 1, fmt.Errorf("max retries (%d) exceeded: %w", p.MaxRetries, lastErr)
}

// DoHTTP is Do for calls that report an HTTP status. Any non-2xx status is
// turned into a *StatusError and retried when RetryableStatus allows it.
func DoHTTP(ctx context.Context, p Policy, fn func() (int, error)) error {
	_, err := Do(ctx, p, Transient, func() error {
		code, err := fn()
		if err != nil {
			return err
		}
		if code < 200 || code >= 300 {
			return &StatusError{Code: code}
		}
		return nil
	})
	return err
}

func (p Policy) name() string {
	if p.Name == "" {
		return "default"
	}
	return p.Name
}
