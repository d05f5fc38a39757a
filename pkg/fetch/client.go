// Package fetch runs asynchronous HTTP fetch sessions and reports their
// outcome to an Observer.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/NamanBalaji/fetch/internal/config"
	"github.com/NamanBalaji/fetch/internal/connection"
	"github.com/NamanBalaji/fetch/internal/logger"
	"github.com/NamanBalaji/fetch/internal/repository"
	"github.com/NamanBalaji/fetch/pkg/transport"
)

const tracerName = "github.com/NamanBalaji/fetch"

// ErrClientClosed is returned when starting a session on a closed Client.
var ErrClientClosed = errors.New("fetch client closed")

// History stores the outcome of every session.
type History interface {
	Save(record *repository.Record) error
}

// Option configures a Client.
type Option func(*Client)

// WithConfig applies timeout, user agent and pool settings from cfg.
// Options given after it take precedence.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		c.timeout = cfg.Timeout
		if cfg.UserAgent != "" {
			c.userAgent = cfg.UserAgent
		}
		if cfg.Pool != nil {
			c.poolCfg = *cfg.Pool
		}
	}
}

// WithPool shares an existing connection pool. The client does not close it.
func WithPool(pool *connection.Pool) Option {
	return func(c *Client) {
		c.pool = pool
		c.ownsPool = false
	}
}

// WithOpener replaces the transport used to open streams.
func WithOpener(opener transport.Opener) Option {
	return func(c *Client) {
		c.opener = opener
	}
}

// WithTimeout bounds each attempt. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithFailOnStatus makes responses with a status code >= code fail with an
// APPLICATION_STATUS error. Such failures are never retried.
func WithFailOnStatus(code int) Option {
	return func(c *Client) {
		c.failOnStatus = code
	}
}

// WithHistory records every finished session in h.
func WithHistory(h History) Option {
	return func(c *Client) {
		c.history = h
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		c.headers = h.Clone()
	}
}

// WithTracerProvider traces sessions with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// Client starts fetch sessions that share one connection pool.
type Client struct {
	pool     *connection.Pool
	ownsPool bool
	poolCfg  config.PoolConfig

	opener       transport.Opener
	timeout      time.Duration
	userAgent    string
	headers      http.Header
	failOnStatus int
	history      History
	tracer       trace.Tracer

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

// NewClient creates a client. Without options it uses the default
// configuration and its own connection pool.
func NewClient(opts ...Option) *Client {
	defaults := config.DefaultConfig()

	c := &Client{
		ownsPool:  true,
		poolCfg:   *defaults.Pool,
		timeout:   defaults.Timeout,
		userAgent: defaults.UserAgent,
		tracer:    otel.Tracer(tracerName),
		sessions:  make(map[uuid.UUID]*Session),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.pool == nil {
		c.pool = connection.NewPool(c.poolCfg.MaxIdlePerHost, c.poolCfg.MaxIdleTime)
		c.ownsPool = true
	}

	if c.opener == nil {
		c.opener = transport.NewOpener(c.pool)
	}

	return c
}

// FetchURL starts a GET for rawURL. The returned session is never nil; when
// the URL cannot be used the session has already failed and err is the
// INVALID_REQUEST error also reported through the observer.
func (c *Client) FetchURL(ctx context.Context, rawURL string, obs Observer, tag int, retry bool, cookies []*http.Cookie, hash string) (*Session, error) {
	return c.start(ctx, rawURL, Request{
		Method:  http.MethodGet,
		Cookies: cookies,
		Tag:     tag,
		Retry:   retry,
		Hash:    hash,
	}, obs)
}

// PostURL starts a POST for rawURL with data sent as a urlencoded form.
func (c *Client) PostURL(ctx context.Context, rawURL string, data map[string]string, obs Observer, tag int, retry bool, cookies []*http.Cookie, hash string) (*Session, error) {
	return c.start(ctx, rawURL, Request{
		Method:  http.MethodPost,
		Form:    data,
		Cookies: cookies,
		Tag:     tag,
		Retry:   retry,
		Hash:    hash,
	}, obs)
}

// Start runs req. It behaves like FetchURL for an already parsed request.
func (c *Client) Start(ctx context.Context, req Request, obs Observer) (*Session, error) {
	return c.launch(ctx, req.resource(), req, obs)
}

func (c *Client) start(ctx context.Context, rawURL string, req Request, obs Observer) (*Session, error) {
	// A parse failure leaves URL nil and the session fails validation.
	if u, err := url.Parse(rawURL); err == nil {
		req.URL = u
	} else {
		logger.Debugf("Cannot parse URL %q: %v", rawURL, err)
	}

	return c.launch(ctx, rawURL, req, obs)
}

func (c *Client) launch(ctx context.Context, rawURL string, req Request, obs Observer) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s := newSession(c, rawURL, req, obs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	// Registered before it starts so Close cannot miss it.
	c.sessions[s.id] = s

	if err := s.begin(ctx); err != nil {
		return s, err
	}

	return s, nil
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.id)
}

// Active returns the number of sessions still running.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// CleanupPersistentConnections closes every idle pooled connection.
// Running sessions keep their connections.
func (c *Client) CleanupPersistentConnections() {
	n := c.pool.Flush()
	logger.Debugf("Flushed %d idle connections", n)
}

// Stats reports the state of the connection pool.
func (c *Client) Stats() connection.PoolStats {
	return c.pool.Stats()
}

// Close cancels running sessions and, when the client created its own pool,
// closes every pooled connection. It waits for cancelled sessions to wind
// down, except those whose observer is still inside a callback: their streams
// are already closed, and skipping them lets an observer call Close.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		if s.dispatching.Load() {
			continue
		}
		<-s.Done()
	}

	if c.ownsPool {
		c.pool.CloseAll()
	}
}
