package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	fetchErrors "github.com/NamanBalaji/fetch/internal/errors"
)

var (
	ErrUnsupportedScheme = fetchErrors.ErrUnsupportedScheme
	ErrStreamClosed      = errors.New("stream closed")
)

// Classify maps a transport failure onto the fetch error taxonomy.
// Timeouts, resets, refused connections, temporary DNS failures and
// connections dropped before a response arrived are transient.
// Everything else is a fatal stream error.
func Classify(err error, resource string) error {
	if err == nil {
		return nil
	}

	var fetchErr *fetchErrors.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fetchErrors.NewTransientError(errors.Join(fetchErrors.ErrTimeout, err), resource)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return fetchErrors.NewTransientError(errors.Join(fetchErrors.ErrConnectionReset, err), resource)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fetchErrors.NewTransientError(err, resource)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fetchErrors.NewTransientError(errors.Join(fetchErrors.ErrConnectionReset, err), resource)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return fetchErrors.NewTransientError(err, resource)
		}
		return fetchErrors.NewStreamError(err, resource)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fetchErrors.NewTransientError(errors.Join(fetchErrors.ErrTimeout, err), resource)
	}

	return fetchErrors.NewStreamError(err, resource)
}

// isStale reports whether a failure on a reused connection looks like the
// peer closed it while it sat idle.
func isStale(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
