package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fetchErrors "github.com/NamanBalaji/fetch/internal/errors"
	"github.com/NamanBalaji/fetch/internal/logger"
	"github.com/NamanBalaji/fetch/internal/repository"
	"github.com/NamanBalaji/fetch/pkg/transport"
)

// Session is one running fetch. It is created by a Client and driven by its
// own goroutine until it finishes, fails or is cancelled.
type Session struct {
	id       uuid.UUID
	client   *Client
	req      Request
	rawURL   string
	observer Observer
	log      *zap.SugaredLogger

	ctx       context.Context
	cancelCtx context.CancelFunc
	stopWatch func() bool
	span      trace.Span
	done      chan struct{}

	state atomic.Int32
	// dispatching is set while an observer callback runs.
	dispatching atomic.Bool

	mu            sync.Mutex
	stream        transport.Stream
	buf           []byte
	gotHeaders    bool
	retry         bool
	err           error
	statusCode    int
	contentLength int64
	attempts      int
	startedAt     time.Time
	finishedAt    time.Time
}

func newSession(c *Client, rawURL string, req Request, obs Observer) *Session {
	if obs == nil {
		obs = ObserverFuncs{}
	}

	s := &Session{
		id:            uuid.New(),
		client:        c,
		req:           req.clone(),
		rawURL:        rawURL,
		observer:      obs,
		done:          make(chan struct{}),
		retry:         req.Retry,
		contentLength: -1,
		startedAt:     time.Now(),
	}
	s.log = logger.With("session", s.id.String(), "tag", req.Tag, "url", rawURL)

	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Tag() int {
	return s.req.Tag
}

func (s *Session) Hash() string {
	return s.req.Hash
}

// URL returns the URL the session was started with.
func (s *Session) URL() string {
	return s.rawURL
}

func (s *Session) Method() string {
	return s.req.method()
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns why the session did not finish. It is nil while running and
// after success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Data returns a copy of the body received so far.
func (s *Session) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// StatusCode returns the response status, 0 before headers arrive.
func (s *Session) StatusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode
}

// ContentLength returns the declared body length, -1 when unknown.
func (s *Session) ContentLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

// Attempts returns how many streams the session has opened.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed once the session has reached a terminal state and all
// callbacks have returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the session. The stream is closed before Cancel returns and
// the observer hears nothing further. Cancelling a finished session does
// nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.State().active() {
		s.mu.Unlock()
		return
	}

	s.setState(Cancelled)
	s.err = fetchErrors.NewCancelledError(s.rawURL)
	s.finishedAt = time.Now()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			s.log.Debugf("Error closing stream on cancel: %v", err)
		}
	}

	s.cancelCtx()
	s.log.Debugf("Session cancelled")
}

// begin starts the session goroutine. ctx cancellation is treated as Cancel.
// An invalid request fails at once and its error is returned.
func (s *Session) begin(ctx context.Context) error {
	spanCtx, span := s.client.tracer.Start(ctx, "fetch.session",
		trace.WithAttributes(
			attribute.String("fetch.url", s.rawURL),
			attribute.String("fetch.method", s.req.method()),
			attribute.Int("fetch.tag", s.req.Tag),
			attribute.Bool("fetch.retry", s.req.Retry),
		),
	)
	s.span = span

	s.ctx, s.cancelCtx = context.WithCancel(context.WithoutCancel(spanCtx))

	if err := s.req.Validate(); err != nil {
		s.mu.Lock()
		s.setState(Failed)
		s.err = err
		s.finishedAt = time.Now()
		s.mu.Unlock()

		s.log.Debugf("Rejected invalid request: %v", err)

		go func() {
			defer s.complete()
			s.notify("fail", func() { s.observer.FetchDidFail(s) })
		}()
		return err
	}

	s.setState(Opening)
	s.stopWatch = context.AfterFunc(ctx, s.Cancel)

	go s.run()

	return nil
}

func (s *Session) run() {
	defer s.complete()

	for {
		err := s.attempt()
		if err == nil {
			return
		}

		if s.retryAfter(err) {
			continue
		}

		s.fail(err)
		return
	}
}

// attempt drives one stream to its end. A nil result means the session
// reached a terminal state; otherwise the stream failed with the returned
// error and has already been closed.
func (s *Session) attempt() error {
	ctx, cancel := s.attemptContext()
	defer cancel()

	httpReq, err := s.req.build(ctx, s.client.userAgent, s.client.headers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	s.log.Debugf("Opening stream (attempt %d)", attempt)

	stream, err := s.client.opener.Open(ctx, httpReq)
	if err != nil {
		if s.State().Terminal() {
			return nil
		}
		return transport.Classify(err, s.rawURL)
	}

	if !s.attach(stream) {
		stream.Close()
		return nil
	}

	for ev := range stream.Events() {
		if s.State().Terminal() {
			// Cancelled: anything still queued is dropped.
			return nil
		}

		switch ev.Kind {
		case transport.EventOpened:
			s.transition(Opening, HeadersPending)
			if err := s.checkHeaders(stream); err != nil {
				s.detach(stream)
				return err
			}
		case transport.EventData:
			if err := s.checkHeaders(stream); err != nil {
				s.detach(stream)
				return err
			}
			// The status callback may have cancelled the session.
			s.mu.Lock()
			if !s.State().active() {
				s.mu.Unlock()
				return nil
			}
			s.buf = append(s.buf, ev.Data...)
			s.mu.Unlock()
		case transport.EventEnded:
			if err := s.checkHeaders(stream); err != nil {
				s.detach(stream)
				return err
			}
			s.finish(stream)
			return nil
		case transport.EventErrored:
			s.detach(stream)
			if ev.Err == nil {
				return fetchErrors.NewStreamError(transport.ErrStreamClosed, s.rawURL)
			}
			return transport.Classify(ev.Err, s.rawURL)
		}
	}

	if s.State().Terminal() {
		return nil
	}

	s.detach(stream)
	return fetchErrors.NewStreamError(transport.ErrStreamClosed, s.rawURL)
}

func (s *Session) attemptContext() (context.Context, context.CancelFunc) {
	if s.client.timeout > 0 {
		return context.WithTimeout(s.ctx, s.client.timeout)
	}
	return context.WithCancel(s.ctx)
}

// attach makes stream the session's active stream unless the session was
// cancelled while it was being opened.
func (s *Session) attach(stream transport.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.State().active() {
		return false
	}

	s.stream = stream
	return true
}

// detach closes stream if the session still owns it.
func (s *Session) detach(stream transport.Stream) {
	s.mu.Lock()
	owned := s.stream == stream
	if owned {
		s.stream = nil
	}
	s.mu.Unlock()

	if owned {
		if err := stream.Close(); err != nil {
			s.log.Debugf("Error closing stream: %v", err)
		}
	}
}

// checkHeaders reports the status once headers can be read from stream and
// applies the client's status policy.
func (s *Session) checkHeaders(stream transport.Stream) error {
	if s.State() != HeadersPending {
		return nil
	}

	code, ok := stream.StatusCode()
	if !ok {
		return nil
	}
	length, ok := stream.ContentLength()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if !s.transition(HeadersPending, Streaming) {
		s.mu.Unlock()
		return nil
	}
	s.statusCode = code
	s.contentLength = length
	deliver := !s.gotHeaders
	s.gotHeaders = true
	s.mu.Unlock()

	if deliver {
		s.span.AddEvent("status", trace.WithAttributes(
			attribute.Int("http.status_code", code),
			attribute.Int64("http.content_length", length),
		))
		s.notify("status", func() { s.observer.FetchDidReceiveStatus(s, code, length) })
	}

	if threshold := s.client.failOnStatus; threshold > 0 && code >= threshold {
		return fetchErrors.NewApplicationStatusError(s.rawURL, code)
	}

	return nil
}

func (s *Session) finish(stream transport.Stream) {
	s.mu.Lock()
	if !s.State().active() {
		s.mu.Unlock()
		return
	}

	s.setState(Finished)
	s.finishedAt = time.Now()
	owned := s.stream == stream
	s.stream = nil
	n := len(s.buf)
	s.mu.Unlock()

	if owned {
		s.release(stream)
	}

	s.log.Debugf("Session finished with %d bytes", n)
	s.notify("finish", func() { s.observer.FetchDidFinish(s) })
}

// release hands a finished stream back to the transport, keeping its
// connection only when the transport says it can be reused.
func (s *Session) release(stream transport.Stream) {
	if !stream.Reusable() {
		if err := stream.Close(); err != nil {
			s.log.Debugf("Error closing stream: %v", err)
		}
		return
	}

	if err := stream.Release(); err != nil {
		s.log.Debugf("Error releasing stream: %v", err)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if !s.State().active() {
		s.mu.Unlock()
		return
	}

	err = fetchErrors.WithDetails(err, map[string]interface{}{
		"attempts": s.attempts,
		"state":    s.State().String(),
	})
	s.setState(Failed)
	s.err = err
	s.finishedAt = time.Now()
	s.mu.Unlock()

	s.log.Debugf("Session failed: %v", err)
	s.notify("fail", func() { s.observer.FetchDidFail(s) })
}

// retryAfter prepares the single permitted retry. The buffer is discarded;
// a status already reported is not reported again.
func (s *Session) retryAfter(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.retry || !fetchErrors.IsRetryable(err) || !s.State().active() {
		return false
	}

	s.retry = false
	s.buf = nil
	s.setState(Opening)

	s.span.AddEvent("retry", trace.WithAttributes(attribute.String("error", err.Error())))
	s.log.Debugf("Retrying after transient error: %v", err)

	return true
}

// complete runs once the session is terminal: it ends the span, records the
// outcome and closes Done.
func (s *Session) complete() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.cancelCtx()

	state := s.State()
	err := s.Err()

	switch state {
	case Failed:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	case Finished:
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.SetAttributes(
		attribute.String("fetch.outcome", state.String()),
		attribute.Int("fetch.attempts", s.Attempts()),
	)
	s.span.End()

	if s.client.history != nil {
		if err := s.client.history.Save(s.record()); err != nil {
			s.log.Warnf("Failed to record fetch history: %v", err)
		}
	}

	s.client.forget(s)
	close(s.done)
}

func (s *Session) record() *repository.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &repository.Record{
		ID:            s.id,
		URL:           s.rawURL,
		Method:        s.req.method(),
		Tag:           s.req.Tag,
		Hash:          s.req.Hash,
		StatusCode:    s.statusCode,
		ContentLength: s.contentLength,
		Bytes:         int64(len(s.buf)),
		Attempts:      s.attempts,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}

	switch s.State() {
	case Finished:
		rec.Outcome = repository.OutcomeFinished
	case Cancelled:
		rec.Outcome = repository.OutcomeCancelled
	default:
		rec.Outcome = repository.OutcomeFailed
	}

	if s.err != nil {
		rec.Error = s.err.Error()

		var fetchErr *fetchErrors.FetchError
		if fetchErrors.As(s.err, &fetchErr) {
			rec.ErrorKind = string(fetchErr.Kind)
			rec.ErrorAt = fetchErr.Timestamp
			rec.ErrorDetails = fetchErr.Details
		}
	}

	return rec
}

// notify runs an observer callback. A panicking observer is logged and
// otherwise ignored.
func (s *Session) notify(name string, fn func()) {
	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Observer panicked in %s callback: %v", name, r)
		}
	}()
	fn()
}

// transition moves the session to "to" if it is still in "from".
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
