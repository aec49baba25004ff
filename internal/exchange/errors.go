package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classification drives the engine's error dispositions: transient
// faults are retried and then skipped, auth faults stop the engine,
// invariant faults abort the current operation only.

var (
	// ErrAuth marks authentication or signature failures. Fatal to the
	// owning engine.
	ErrAuth = errors.New("exchange: authentication failed")

	// ErrSymbolUnknown marks a symbol the venue does not list.
	ErrSymbolUnknown = errors.New("exchange: unknown symbol")

	// ErrInsufficientBalance marks a rejected order for lack of margin.
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")

	// ErrUnsupported marks a venue that cannot serve the requested
	// capability (e.g. mock historical prices before the seed time).
	ErrUnsupported = errors.New("exchange: unsupported operation")
)

// NetworkError wraps a transient transport-level failure: connection reset,
// timeout, venue unavailable, rate limit. The retry wrapper only retries
// these.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Transient satisfies the transientError check in IsTransient.
func (e *NetworkError) Transient() bool { return true }

type transientError interface {
	Transient() bool
}

var transientPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"eof",
	"broken pipe",
	"no such host",
}

// IsTransient reports whether err is worth retrying. Typed NetworkErrors
// are authoritative; anything auth- or input-shaped is never transient;
// otherwise fall back to message sniffing for errors surfaced by vendor
// SDKs as plain strings.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return te.Transient()
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrSymbolUnknown) ||
		errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrUnsupported) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
