package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Kind classifies why a fetch did not produce a successful response.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"     // Malformed URL or payload
	KindTransientTransport Kind = "TRANSIENT_TRANSPORT" // Reset, timeout, DNS hiccup
	KindApplicationStatus  Kind = "APPLICATION_STATUS"  // Status code rejected by caller policy
	KindStream             Kind = "STREAM"              // Any other transport failure
	KindCancelled          Kind = "CANCELLED"           // Caller initiated
)

// FetchError represents an error that occurred during a fetch session
type FetchError struct {
	Err        error     // Original error
	Kind       Kind      // Taxonomy bucket
	Retryable  bool      // Whether retry is recommended
	Timestamp  time.Time // When the error occurred
	Resource   string    // What resource was being accessed
	StatusCode int       // HTTP status code, when one was received
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Resource, e.Err)
	}
	return fmt.Sprintf("[%s] %s (status: %d): %v", e.Kind, e.Resource, e.StatusCode, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidURL        = New("invalid URL")
	ErrUnsupportedScheme = New("unsupported scheme")
	ErrInvalidMethod     = New("invalid method")
	ErrInvalidForm       = New("invalid form payload")
	ErrTimeout           = New("operation timed out")
	ErrConnectionReset   = New("connection reset")
	ErrCancelled         = New("fetch cancelled")
	ErrTruncated         = New("response body truncated")
	ErrStatusRejected    = New("status code rejected")
)

// NewInvalidRequestError creates an error for a request that can never be sent
func NewInvalidRequestError(err error, resource string) *FetchError {
	return &FetchError{
		Err:       err,
		Kind:      KindInvalidRequest,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewTransientError creates a transport error that is safe to retry
func NewTransientError(err error, resource string) *FetchError {
	return &FetchError{
		Err:       err,
		Kind:      KindTransientTransport,
		Retryable: true,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewStreamError creates a fatal transport error
func NewStreamError(err error, resource string) *FetchError {
	return &FetchError{
		Err:       err,
		Kind:      KindStream,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewApplicationStatusError creates an error for a status code the caller treats as failure.
// It is never retried by the session.
func NewApplicationStatusError(resource string, statusCode int) *FetchError {
	return &FetchError{
		Err:        ErrStatusRejected,
		Kind:       KindApplicationStatus,
		Timestamp:  time.Now(),
		Resource:   resource,
		StatusCode: statusCode,
	}
}

// NewCancelledError creates the error reported after an explicit cancel
func NewCancelledError(resource string) *FetchError {
	return &FetchError{
		Err:       ErrCancelled,
		Kind:      KindCancelled,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fetchErr *FetchError
	if As(err, &fetchErr) {
		return fetchErr.Retryable
	}

	return false
}

// KindOf returns the kind of a FetchError, or "" for foreign errors
func KindOf(err error) Kind {
	var fetchErr *FetchError
	if As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return ""
}

// IsKind reports whether err is a FetchError of the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// GetStatusCode extracts the status code from an error if available
func GetStatusCode(err error) (int, bool) {
	var fetchErr *FetchError
	if As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		return fetchErr.StatusCode, true
	}
	return 0, false
}

// WithDetails adds additional context to a FetchError
func WithDetails(err error, details map[string]interface{}) error {
	var fetchErr *FetchError
	if !As(err, &fetchErr) {
		return err
	}

	if fetchErr.Details == nil {
		fetchErr.Details = make(map[string]interface{})
	}

	for k, v := range details {
		fetchErr.Details[k] = v
	}

	return fetchErr
}
