package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	fetchErrors "github.com/NamanBalaji/fetch/internal/errors"
	"github.com/NamanBalaji/fetch/internal/logger"
)

const eventBuffer = 16

var aLongTimeAgo = time.Unix(1, 0)

// httpStream performs one request/response exchange and reports it as events.
type httpStream struct {
	opener   *HTTPOpener
	dialer   Dialer
	key      string
	req      *http.Request
	resource string

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	done    chan struct{}
	events  chan Event

	closeOnce sync.Once

	mu            sync.Mutex
	conn          *poolConn
	stopWatch     func() bool
	statusCode    int
	contentLength int64
	headersRead   bool
	reusable      bool
}

func newHTTPStream(ctx context.Context, o *HTTPOpener, d Dialer, key string, req *http.Request) *httpStream {
	ctx, cancel := context.WithCancel(ctx)

	return &httpStream{
		opener:   o,
		dialer:   d,
		key:      key,
		req:      req,
		resource: req.URL.String(),
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		events:   make(chan Event, eventBuffer),
	}
}

func (s *httpStream) Events() <-chan Event {
	return s.events
}

func (s *httpStream) StatusCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode, s.headersRead
}

func (s *httpStream) ContentLength() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength, s.headersRead
}

func (s *httpStream) Reusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reusable
}

func (s *httpStream) Release() error {
	s.shutdown(true)
	return nil
}

func (s *httpStream) Close() error {
	s.shutdown(false)
	return nil
}

// shutdown stops the read loop, waits for it and hands the connection back to
// the pool (keep and reusable) or closes it.
func (s *httpStream) shutdown(keep bool) {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		<-s.done

		s.mu.Lock()
		conn := s.conn
		reusable := s.reusable
		s.conn = nil
		s.mu.Unlock()

		if conn == nil {
			return
		}

		if keep && reusable {
			s.opener.pool.ReleaseConnection(conn)
			return
		}

		s.opener.pool.DiscardConnection(conn)
	})
}

func (s *httpStream) run() {
	defer close(s.done)
	defer close(s.events)

	resp, err := s.roundTrip()
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.statusCode = resp.StatusCode
	s.contentLength = resp.ContentLength
	s.headersRead = true
	s.mu.Unlock()

	if !s.emit(Event{Kind: EventOpened}) {
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.emit(Event{Kind: EventData, Data: chunk}) {
				return
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			s.finish(resp)
		case errors.Is(err, io.ErrUnexpectedEOF) && resp.ContentLength < 0:
			// No declared length: whatever arrived is the response.
			s.emit(Event{Kind: EventEnded})
		case errors.Is(err, io.ErrUnexpectedEOF):
			s.fail(fetchErrors.NewTransientError(errors.Join(fetchErrors.ErrTruncated, err), s.resource))
		default:
			s.fail(err)
		}
		return
	}
}

func (s *httpStream) roundTrip() (*http.Response, error) {
	conn, reused, err := s.opener.acquire(s.ctx, s.dialer, s.key)
	if err != nil {
		return nil, err
	}

	resp, err := s.exchange(conn)
	if err == nil || !reused || !isStale(err) || s.ctx.Err() != nil {
		return resp, err
	}

	logger.Debugf("Pooled connection to %s went stale, redialing: %v", s.key, err)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.opener.pool.DiscardConnection(conn)

	if s.req.GetBody != nil {
		body, err := s.req.GetBody()
		if err != nil {
			return nil, err
		}
		s.req.Body = body
	}

	conn, _, err = s.opener.dial(s.ctx, s.dialer, s.key)
	if err != nil {
		return nil, err
	}

	return s.exchange(conn)
}

// exchange writes the request and reads the response head on conn.
func (s *httpStream) exchange(conn *poolConn) (*http.Response, error) {
	stop := context.AfterFunc(s.ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})

	s.mu.Lock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.conn = conn
	s.stopWatch = stop
	s.mu.Unlock()

	if err := s.req.Write(conn); err != nil {
		return nil, err
	}

	return http.ReadResponse(conn.br, s.req)
}

func (s *httpStream) finish(resp *http.Response) {
	reusable := !resp.Close && !s.req.Close

	s.mu.Lock()
	if s.stopWatch != nil && !s.stopWatch() {
		reusable = false
	}
	if reusable {
		if err := s.conn.SetDeadline(time.Time{}); err != nil {
			reusable = false
		}
	}
	s.reusable = reusable
	s.mu.Unlock()

	s.emit(Event{Kind: EventEnded})
}

func (s *httpStream) fail(err error) {
	select {
	case <-s.closing:
		return
	default:
	}

	s.emit(Event{Kind: EventErrored, Err: Classify(err, s.resource)})
}

// emit delivers ev unless the stream is being closed.
func (s *httpStream) emit(ev Event) bool {
	select {
	case <-s.closing:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}
