package connection

import (
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Connection represents a transport connection to a remote host
type Connection interface {
	io.ReadWriteCloser
	// Key returns the scheme://host:port the connection is bound to (for connection pooling)
	Key() string
	// IsAlive checks if the connection is still usable
	IsAlive() bool
	// SetDeadline sets read/write deadlines, zero clears them
	SetDeadline(t time.Time) error
}

// Key builds the pool key for a URL: lower-cased scheme, IDNA-normalised host and
// an explicit port (80 for http, 443 for https when the URL carries none).
func Key(u *url.URL) (string, error) {
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)

	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}

	return scheme + "://" + net.JoinHostPort(host, port), nil
}

// NormalizeHost converts a hostname to its lower-cased ASCII form.
// IP literals are returned unchanged.
func NormalizeHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}

	return strings.ToLower(ascii), nil
}
