// Package transport turns an HTTP request into a stream of events read off a
// pooled plaintext or TLS connection.
package transport

import (
	"context"
	"net/http"
)

// EventKind identifies what a stream event reports.
type EventKind int

const (
	// EventOpened is delivered once the connection is established and the
	// response head has been read.
	EventOpened EventKind = iota
	// EventData carries a chunk of response body.
	EventData
	// EventEnded is delivered when the body has been fully read.
	EventEnded
	// EventErrored is delivered when the stream fails. Err is set.
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventEnded:
		return "ended"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is a single notification from a Stream.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Stream is a readable response stream. Events are delivered in order on the
// channel returned by Events, which is closed after EventEnded or EventErrored,
// or once the stream is closed.
type Stream interface {
	Events() <-chan Event
	// StatusCode returns the response status, ok is false until the head is read.
	StatusCode() (code int, ok bool)
	// ContentLength returns the declared body length, -1 when unknown.
	// ok is false until the head is read.
	ContentLength() (length int64, ok bool)
	// Reusable reports whether the underlying connection may serve another request.
	Reusable() bool
	// Release frees the stream, returning the connection to the pool when reusable.
	Release() error
	// Close frees the stream and closes the connection.
	Close() error
}

// Opener opens streams for requests.
type Opener interface {
	Open(ctx context.Context, req *http.Request) (Stream, error)
}
