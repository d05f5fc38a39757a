package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const readBufferSize = 32 << 10

// poolConn is a net.Conn bound to a pool key. The buffered reader lives as
// long as the connection so nothing read ahead is lost between requests.
type poolConn struct {
	net.Conn
	key string
	br  *bufio.Reader

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newPoolConn(c net.Conn, key string) *poolConn {
	return &poolConn{
		Conn: c,
		key:  key,
		br:   bufio.NewReaderSize(c, readBufferSize),
	}
}

func (c *poolConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func (c *poolConn) Key() string {
	return c.key
}

func (c *poolConn) IsAlive() bool {
	return !c.closed.Load()
}

func (c *poolConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func (c *poolConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(t)
}
