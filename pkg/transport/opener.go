package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NamanBalaji/fetch/internal/connection"
	"github.com/NamanBalaji/fetch/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	keepAlivePeriod       = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
)

// Dialer establishes raw connections for one URL scheme.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type plaintextDialer struct {
	dialer *net.Dialer
}

func (d *plaintextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, addr)
}

type tlsDialer struct {
	dialer *net.Dialer
	config *tls.Config
}

func (d *tlsDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	cfg := d.config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	ctx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()

	td := &tls.Dialer{NetDialer: d.dialer, Config: cfg}
	return td.DialContext(ctx, network, addr)
}

// Option configures an HTTPOpener.
type Option func(*HTTPOpener)

// WithTLSConfig sets the TLS configuration used for https URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *HTTPOpener) {
		o.RegisterDialer("https", &tlsDialer{dialer: o.netDialer, config: cfg})
	}
}

// WithDialTimeout bounds how long establishing a connection may take.
func WithDialTimeout(d time.Duration) Option {
	return func(o *HTTPOpener) {
		o.netDialer.Timeout = d
	}
}

// HTTPOpener opens HTTP/1.1 streams over pooled connections.
// Connections are chosen by scheme: plaintext for http, TLS for https.
type HTTPOpener struct {
	pool      *connection.Pool
	netDialer *net.Dialer

	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewOpener creates an opener that reuses and registers connections in pool.
func NewOpener(pool *connection.Pool, opts ...Option) *HTTPOpener {
	nd := &net.Dialer{
		Timeout:   defaultConnectTimeout,
		KeepAlive: keepAlivePeriod,
	}

	o := &HTTPOpener{
		pool:      pool,
		netDialer: nd,
		dialers: map[string]Dialer{
			"http":  &plaintextDialer{dialer: nd},
			"https": &tlsDialer{dialer: nd, config: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// RegisterDialer installs the dialer used for scheme.
func (o *HTTPOpener) RegisterDialer(scheme string, d Dialer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dialers[strings.ToLower(scheme)] = d
}

// Open starts a stream for req. Connecting, writing the request and reading
// the response all happen on the stream's own goroutine; failures after this
// call returns are reported as EventErrored.
func (o *HTTPOpener) Open(ctx context.Context, req *http.Request) (Stream, error) {
	resource := req.URL.String()

	key, err := connection.Key(req.URL)
	if err != nil {
		return nil, Classify(err, resource)
	}

	dialer, err := o.dialerFor(req.URL.Scheme)
	if err != nil {
		return nil, err
	}

	s := newHTTPStream(ctx, o, dialer, key, req)
	go s.run()

	return s, nil
}

func (o *HTTPOpener) dialerFor(scheme string) (Dialer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	d, ok := o.dialers[strings.ToLower(scheme)]
	if !ok {
		return nil, ErrUnsupportedScheme
	}
	return d, nil
}

// acquire returns a pooled connection for key or dials a new one.
func (o *HTTPOpener) acquire(ctx context.Context, d Dialer, key string) (*poolConn, bool, error) {
	if c := o.pool.GetConnection(key); c != nil {
		if pc, ok := c.(*poolConn); ok {
			return pc, true, nil
		}
		o.pool.DiscardConnection(c)
	}

	return o.dial(ctx, d, key)
}

func (o *HTTPOpener) dial(ctx context.Context, d Dialer, key string) (*poolConn, bool, error) {
	addr := key[strings.Index(key, "://")+3:]

	logger.Debugf("Dialing %s", key)

	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, false, err
	}

	pc := newPoolConn(raw, key)
	o.pool.RegisterConnection(pc)

	return pc, false, nil
}
