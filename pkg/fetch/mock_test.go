package fetch_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	fetchErrors "github.com/NamanBalaji/fetch/internal/errors"
	"github.com/NamanBalaji/fetch/pkg/fetch"
	"github.com/NamanBalaji/fetch/pkg/transport"
)

// mockStream forwards events pushed into in until a terminal event is
// forwarded or the stream is closed.
type mockStream struct {
	in       chan transport.Event
	events   chan transport.Event
	closing  chan struct{}
	finished chan struct{}

	status  int
	length  int64
	headers atomic.Bool
	// holdHeaders keeps StatusCode/ContentLength unavailable after Opened.
	holdHeaders bool
	reusable    bool

	closeOnce sync.Once
	closed    atomic.Bool
	released  atomic.Bool
}

func newMockStream(status int, length int64, evs ...transport.Event) *mockStream {
	m := &mockStream{
		in:       make(chan transport.Event, 64),
		events:   make(chan transport.Event, 16),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
		status:   status,
		length:   length,
		reusable: true,
	}
	for _, ev := range evs {
		m.in <- ev
	}

	return m
}

func (m *mockStream) start() *mockStream {
	go m.pump()
	return m
}

func (m *mockStream) pump() {
	defer close(m.finished)
	defer close(m.events)

	for {
		select {
		case ev := <-m.in:
			if ev.Kind == transport.EventOpened && !m.holdHeaders {
				m.headers.Store(true)
			}

			select {
			case m.events <- ev:
			case <-m.closing:
				return
			}

			if ev.Kind == transport.EventEnded || ev.Kind == transport.EventErrored {
				return
			}
		case <-m.closing:
			return
		}
	}
}

func (m *mockStream) send(ev transport.Event) {
	m.in <- ev
}

func (m *mockStream) Events() <-chan transport.Event {
	return m.events
}

func (m *mockStream) StatusCode() (int, bool) {
	return m.status, m.headers.Load()
}

func (m *mockStream) ContentLength() (int64, bool) {
	return m.length, m.headers.Load()
}

func (m *mockStream) Reusable() bool {
	return m.reusable
}

func (m *mockStream) Release() error {
	m.released.Store(true)
	m.shutdown()
	return nil
}

func (m *mockStream) Close() error {
	m.closed.Store(true)
	m.shutdown()
	return nil
}

func (m *mockStream) shutdown() {
	m.closeOnce.Do(func() {
		close(m.closing)
		<-m.finished
	})
}

// mockOpener hands out streams through OpenFunc and records every request.
type mockOpener struct {
	OpenFunc func(ctx context.Context, req *http.Request) (transport.Stream, error)

	mu       sync.Mutex
	requests []*http.Request
}

func (o *mockOpener) Open(ctx context.Context, req *http.Request) (transport.Stream, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()

	return o.OpenFunc(ctx, req)
}

func (o *mockOpener) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *mockOpener) request(i int) *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

// sequence returns an opener that serves streams in order.
func sequence(streams ...*mockStream) *mockOpener {
	var n atomic.Int32
	return &mockOpener{
		OpenFunc: func(_ context.Context, _ *http.Request) (transport.Stream, error) {
			i := int(n.Add(1)) - 1
			if i >= len(streams) {
				return nil, fetchErrors.NewStreamError(fetchErrors.New("no more streams"), "mock")
			}
			return streams[i].start(), nil
		},
	}
}

// recorder is an Observer that keeps every callback in order.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	statuses []int
	lengths  []int64

	OnStatus func(s *fetch.Session)
	OnFinish func(s *fetch.Session)
}

func (r *recorder) FetchDidReceiveStatus(s *fetch.Session, statusCode int, contentLength int64) {
	r.mu.Lock()
	r.calls = append(r.calls, "status")
	r.statuses = append(r.statuses, statusCode)
	r.lengths = append(r.lengths, contentLength)
	r.mu.Unlock()

	if r.OnStatus != nil {
		r.OnStatus(s)
	}
}

func (r *recorder) FetchDidFinish(s *fetch.Session) {
	r.mu.Lock()
	r.calls = append(r.calls, "finish")
	r.mu.Unlock()

	if r.OnFinish != nil {
		r.OnFinish(s)
	}
}

func (r *recorder) FetchDidFail(*fetch.Session) {
	r.mu.Lock()
	r.calls = append(r.calls, "fail")
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func opened() transport.Event {
	return transport.Event{Kind: transport.EventOpened}
}

func data(s string) transport.Event {
	return transport.Event{Kind: transport.EventData, Data: []byte(s)}
}

func ended() transport.Event {
	return transport.Event{Kind: transport.EventEnded}
}

func errored(err error) transport.Event {
	return transport.Event{Kind: transport.EventErrored, Err: err}
}

func timeoutErr() error {
	return fetchErrors.NewTransientError(fetchErrors.ErrTimeout, "mock")
}

func waitDone(t *testing.T, s *fetch.Session) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, state %s", s.URL(), s.State())
	}
}
