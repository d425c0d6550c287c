package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a retryable ProviderError, or matches common transient
// network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Retryable {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ConfigurationError reports a missing or invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// ProviderError is a failure from the discovery or classification provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// QueueFullCode is the stable code reported when the queue rejects a job.
const QueueFullCode = "QUEUE_FULL"

// QueueFullError is returned by the queue when the pending count reaches its limit.
type QueueFullError struct {
	Pending int
	Max     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s: %d pending jobs (max %d)", QueueFullCode, e.Pending, e.Max)
}

// Code returns QUEUE_FULL.
func (e *QueueFullError) Code() string {
	return QueueFullCode
}

// CircuitOpenError marks work deferred because its breaker is open.
// Jobs failing with it are requeued without spending a retry.
type CircuitOpenError struct {
	Name          string
	CooldownUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open until %s", e.Name, e.CooldownUntil.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrCircuitOpen) match typed breaker errors.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BudgetExceededError is the soft error recorded when a classification batch
// would overrun the daily budget.
type BudgetExceededError struct {
	Estimated float64
	Remaining float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded: estimated $%.4f, remaining $%.4f", e.Estimated, e.Remaining)
}

// ParseError reports a malformed collaborator response.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ErrorKind returns a short label for err suitable for metrics and logs.
func ErrorKind(err error) string {
	var (
		cfgErr    *ConfigurationError
		provErr   *ProviderError
		fullErr   *QueueFullError
		budgetErr *BudgetExceededError
		parseErr  *ParseError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &provErr):
		return "provider"
	case errors.As(err, &fullErr):
		return "queue_full"
	case errors.As(err, &budgetErr):
		return "budget"
	case errors.As(err, &parseErr):
		return "parse"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
