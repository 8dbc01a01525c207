package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a per-item pipeline failure.
type Kind string

const (
	// KindTransport covers network failures, timeouts and transient HTTP
	// statuses. Retryable.
	KindTransport Kind = "transport"
	// KindExtractionEmpty means every strategy ran but none produced an
	// identity. Retryable up to the item's max attempts.
	KindExtractionEmpty Kind = "extraction_empty"
	// KindIdentityInvalid means the page is not a listing of a resolvable
	// item. Terminal.
	KindIdentityInvalid Kind = "identity_invalid"
	// KindStorage is a media storage failure. Logged, never fails the item.
	KindStorage Kind = "storage"
)

// PipelineError tags an error with its Kind and the operation that raised it.
type PipelineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError tags err with kind.
func NewError(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind tagged anywhere in err's chain. Untagged transient
// errors report KindTransport; anything else reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if IsTransient(err) {
		return KindTransport
	}
	return ""
}

// Retryable reports whether a failed item should be released back to the
// queue rather than marked failed. Unknown errors are retried so that a bug
// in one attempt does not lose the item before max attempts.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindIdentityInvalid:
		return false
	default:
		return err != nil
	}
}

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

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"context deadline exceeded",
}

// IsTransient reports whether err is a TransientError, a network timeout,
// a refused/reset connection, or matches a known transient message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
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
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
