package forge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies Forge API failures. Kinds are stable and shallow;
// callers branch on kind, never on message text.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindRateLimited  ErrorKind = "rate_limited"
	KindHTTP         ErrorKind = "http"
	KindNetwork      ErrorKind = "network"
	KindDecode       ErrorKind = "decode"
)

// APIError is the typed failure of a single Forge request.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.cause != nil && e.Message != "":
		return fmt.Sprintf("forge %s (%d): %s: %v", e.Kind, e.StatusCode, e.Message, e.cause)
	case e.cause != nil:
		return fmt.Sprintf("forge %s: %v", e.Kind, e.cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("forge %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("forge %s: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.cause }

// Retryable reports whether the client may retry the request.
// Only network failures and server errors qualify.
func (e *APIError) Retryable() bool {
	return e.Kind == KindNetwork || (e.Kind == KindHTTP && e.StatusCode >= 500)
}

// ErrAllAttemptsFailed marks an error surfaced after the retry budget ran out.
var ErrAllAttemptsFailed = errors.New("all attempts failed")

// kindOf extracts the ErrorKind from an error chain, or "".
func kindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func IsUnauthorized(err error) bool { return kindOf(err) == KindUnauthorized }
func IsForbidden(err error) bool    { return kindOf(err) == KindForbidden }
func IsNotFound(err error) bool     { return kindOf(err) == KindNotFound }
func IsValidation(err error) bool   { return kindOf(err) == KindValidation }
func IsRateLimited(err error) bool  { return kindOf(err) == KindRateLimited }

// GatewayError wraps a Forge Client failure with the gateway operation that
// triggered it.
type GatewayError struct {
	Op    string
	cause error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.cause) }
func (e *GatewayError) Unwrap() error { return e.cause }

func gatewayErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{Op: op, cause: err}
}
