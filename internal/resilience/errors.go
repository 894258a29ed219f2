package resilience

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// FailureClass is the taxonomy a fetch failure is sorted into.
type FailureClass string

const (
	// FailureTransient leaves the record in processing with a reason.
	FailureTransient FailureClass = "transient"
	// FailurePermanent moves the record to error.
	FailurePermanent FailureClass = "permanent"
)

// TransientError marks an upstream failure that may succeed later: rate
// limiting, timeouts, queued or not-ready responses.
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

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError marks a failure that must not be retried automatically:
// malformed keyword, exhausted quota, rejected credentials.
type PermanentError struct {
	Err  error
	Code int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as permanent with an optional upstream code.
func NewPermanentError(err error, code int) *PermanentError {
	return &PermanentError{Err: err, Code: code}
}

// Classify sorts err into the fetch failure taxonomy. Explicit tags win;
// untagged errors are transient only when IsTransient recognises them.
// Context errors are reported as transient but callers are expected to
// check ctx.Err() first and leave the record alone.
func Classify(err error) FailureClass {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return FailurePermanent
	}
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		IsTransient(err) {
		return FailureTransient
	}
	return FailurePermanent
}

// IsPermanent reports whether err carries an explicit PermanentError tag.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
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

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Reason renders err as the text persisted in error_message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode > 0 {
		return "transient (" + statusText(te.StatusCode) + "): " + err.Error()
	}
	var pe *PermanentError
	if errors.As(err, &pe) && pe.Code > 0 {
		return "permanent (" + statusText(pe.Code) + "): " + err.Error()
	}
	return err.Error()
}

func statusText(code int) string {
	return "code " + strconv.Itoa(code)
}
