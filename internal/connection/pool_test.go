package connection_test

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/NamanBalaji/fetch/internal/connection"
)

type mockConnection struct {
	mu        sync.Mutex
	alive     bool
	key       string
	closed    bool
	closes    int
	closeFunc func() error
}

func (m *mockConnection) Read(p []byte) (int, error)  { return 0, nil }
func (m *mockConnection) Write(p []byte) (int, error) { return len(p), nil }

func (m *mockConnection) Close() error {
	m.mu.Lock()
	m.closes++
	m.closed = true
	m.alive = false
	m.mu.Unlock()

	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockConnection) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConnection) Key() string                   { return m.key }
func (m *mockConnection) SetDeadline(t time.Time) error { return nil }

func newMockConnection(alive bool, key string) *mockConnection {
	return &mockConnection{alive: alive, key: key}
}

const keyA = "http://a.example.test:80"
const keyB = "https://b.example.test:443"

func TestNewPool(t *testing.T) {
	pool := connection.NewPool(10, 5*time.Minute)
	defer pool.CloseAll()

	stats := pool.Stats()
	if stats.TotalConnections != 0 || stats.IdleConnections != 0 || stats.ActiveConnections != 0 {
		t.Errorf("expected empty pool, got %+v", stats)
	}
	if stats.MaxIdleConnections != 10 {
		t.Errorf("expected MaxIdleConnections 10, got %d", stats.MaxIdleConnections)
	}
}

func TestRegisterConnection(t *testing.T) {
	pool := connection.NewPool(10, time.Minute)
	defer pool.CloseAll()

	pool.RegisterConnection(nil)
	if stats := pool.Stats(); stats.TotalConnections != 0 {
		t.Errorf("expected TotalConnections 0 after registering nil, got %d", stats.TotalConnections)
	}

	pool.RegisterConnection(newMockConnection(true, keyA))
	pool.RegisterConnection(newMockConnection(true, keyB))

	stats := pool.Stats()
	if stats.TotalConnections != 2 || stats.ActiveConnections != 2 || stats.IdleConnections != 0 {
		t.Errorf("unexpected stats after register: %+v", stats)
	}
	if stats.ConnectionsCreated != 2 {
		t.Errorf("expected ConnectionsCreated 2, got %d", stats.ConnectionsCreated)
	}

	if conn := pool.GetConnection("http://nonexistent.test:80"); conn != nil {
		t.Errorf("expected nil connection for unknown key")
	}
}

func TestGetConnectionAvailable(t *testing.T) {
	pool := connection.NewPool(10, time.Minute)
	defer pool.CloseAll()

	conn := newMockConnection(true, keyA)
	pool.RegisterConnection(conn)
	pool.ReleaseConnection(conn)

	if stats := pool.Stats(); stats.IdleConnections != 1 {
		t.Errorf("expected IdleConnections 1 after release, got %d", stats.IdleConnections)
	}

	if got := pool.GetConnection(keyB); got != nil {
		t.Errorf("connection for %s must not be handed out for %s", keyA, keyB)
	}

	retrieved := pool.GetConnection(keyA)
	if retrieved != conn {
		t.Fatal("returned connection does not match the registered connection")
	}

	stats := pool.Stats()
	if stats.ActiveConnections != 1 || stats.IdleConnections != 0 {
		t.Errorf("unexpected stats after reuse: %+v", stats)
	}
	if stats.ConnectionsReused != 1 {
		t.Errorf("expected ConnectionsReused 1, got %d", stats.ConnectionsReused)
	}
}

func TestGetConnectionSkipsDeadIdle(t *testing.T) {
	pool := connection.NewPool(10, time.Minute)
	defer pool.CloseAll()

	good := newMockConnection(true, keyA)
	stale := newMockConnection(true, keyA)

	pool.RegisterConnection(good)
	pool.RegisterConnection(stale)
	pool.ReleaseConnection(good)
	pool.ReleaseConnection(stale)

	stale.mu.Lock()
	stale.alive = false
	stale.mu.Unlock()

	if got := pool.GetConnection(keyA); got != good {
		t.Fatalf("expected the live connection, got %v", got)
	}
	if !stale.isClosed() {
		t.Error("expected dead idle connection to be closed")
	}
}

func TestReleaseConnection(t *testing.T) {
	pool := connection.NewPool(2, time.Minute)
	defer pool.CloseAll()

	pool.ReleaseConnection(nil)

	conn := newMockConnection(true, keyA)
	pool.RegisterConnection(conn)
	pool.ReleaseConnection(conn)

	stats := pool.Stats()
	if stats.ActiveConnections != 0 || stats.IdleConnections != 1 {
		t.Errorf("expected ActiveConnections 0, IdleConnections 1; got %d, %d",
			stats.ActiveConnections, stats.IdleConnections)
	}

	pool.ReleaseConnection(conn)
	stats = pool.Stats()
	if stats.IdleConnections != 1 {
		t.Errorf("expected IdleConnections 1 after duplicate release, got %d", stats.IdleConnections)
	}

	conn2 := newMockConnection(true, keyA)
	conn3 := newMockConnection(true, keyA)
	pool.RegisterConnection(conn2)
	pool.RegisterConnection(conn3)
	pool.ReleaseConnection(conn2)
	pool.ReleaseConnection(conn3)

	if stats := pool.Stats(); stats.IdleConnections != 2 {
		t.Errorf("expected IdleConnections 2 (maxIdlePerHost), got %d", stats.IdleConnections)
	}
	if !conn3.isClosed() {
		t.Error("expected connection beyond maxIdlePerHost to be closed")
	}

	connDead := newMockConnection(false, keyA)
	pool.RegisterConnection(connDead)
	pool.ReleaseConnection(connDead)

	if !connDead.isClosed() {
		t.Error("expected dead connection to be closed on release")
	}
}

func TestDiscardConnection(t *testing.T) {
	pool := connection.NewPool(2, time.Minute)
	defer pool.CloseAll()

	conn := newMockConnection(true, keyA)
	pool.RegisterConnection(conn)
	pool.DiscardConnection(conn)

	if !conn.isClosed() {
		t.Error("expected discarded connection to be closed")
	}
	if stats := pool.Stats(); stats.TotalConnections != 0 {
		t.Errorf("expected empty pool after discard, got %+v", stats)
	}
}

func TestFlushKeepsInUse(t *testing.T) {
	pool := connection.NewPool(10, time.Minute)
	defer pool.CloseAll()

	idle1 := newMockConnection(true, keyA)
	idle2 := newMockConnection(true, keyB)
	busy := newMockConnection(true, keyA)

	pool.RegisterConnection(idle1)
	pool.RegisterConnection(idle2)
	pool.RegisterConnection(busy)
	pool.ReleaseConnection(idle1)
	pool.ReleaseConnection(idle2)

	if n := pool.Flush(); n != 2 {
		t.Errorf("expected 2 flushed connections, got %d", n)
	}

	if !idle1.isClosed() || !idle2.isClosed() {
		t.Error("expected idle connections to be closed by Flush")
	}
	if busy.isClosed() {
		t.Error("Flush must not close in-use connections")
	}

	stats := pool.Stats()
	if stats.ActiveConnections != 1 || stats.IdleConnections != 0 {
		t.Errorf("unexpected stats after flush: %+v", stats)
	}
	if stats.ConnectionsFlushed != 2 {
		t.Errorf("expected ConnectionsFlushed 2, got %d", stats.ConnectionsFlushed)
	}

	pool.ReleaseConnection(busy)
	if got := pool.GetConnection(keyA); got != busy {
		t.Error("in-use connection should be poolable after flush")
	}
}

func TestCloseAll(t *testing.T) {
	pool := connection.NewPool(10, time.Minute)

	conn1 := newMockConnection(true, keyA)
	conn2 := newMockConnection(true, keyB)
	conn3 := newMockConnection(true, keyA)

	pool.RegisterConnection(conn1)
	pool.RegisterConnection(conn2)
	pool.RegisterConnection(conn3)
	pool.ReleaseConnection(conn1)

	stats := pool.Stats()
	if stats.TotalConnections != 3 || stats.ActiveConnections != 2 || stats.IdleConnections != 1 {
		t.Errorf("unexpected stats before CloseAll: %+v", stats)
	}

	pool.CloseAll()
	pool.CloseAll()

	if !conn1.isClosed() || !conn2.isClosed() || !conn3.isClosed() {
		t.Error("expected all connections to be closed")
	}

	stats = pool.Stats()
	if stats.TotalConnections != 0 {
		t.Errorf("expected all counters to be 0 after CloseAll, got %+v", stats)
	}
}

func TestIdleConnectionCleanup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping idle connection cleanup test in short mode")
	}

	idleTimeout := 50 * time.Millisecond
	pool := connection.NewPool(10, idleTimeout)
	defer pool.CloseAll()

	conn := newMockConnection(true, keyA)
	pool.RegisterConnection(conn)
	pool.ReleaseConnection(conn)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.isClosed() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !conn.isClosed() {
		t.Fatal("expected idle connection to be reaped")
	}
	if stats := pool.Stats(); stats.IdleConnections != 0 {
		t.Errorf("expected IdleConnections 0 after reaping, got %d", stats.IdleConnections)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://Example.TEST/path", "http://example.test:80"},
		{"https://example.test/", "https://example.test:443"},
		{"HTTP://example.test:8080/x", "http://example.test:8080"},
		{"https://bücher.example/", "https://xn--bcher-kva.example:443"},
		{"http://127.0.0.1:9000/", "http://127.0.0.1:9000"},
		{"http://[::1]/", "http://[::1]:80"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := connection.Key(u)
			if err != nil {
				t.Fatalf("Key error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Key(%q) = %q; want %q", tt.raw, got, tt.want)
			}
		})
	}
}
