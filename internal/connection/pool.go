package connection

import (
	"sync"
	"time"

	"github.com/NamanBalaji/fetch/internal/logger"
)

const (
	maxCleanupInterval = 30 * time.Second
	minCleanupInterval = 10 * time.Millisecond
)

// Pool holds idle transport connections keyed by scheme, host and port.
// It is safe for concurrent use by any number of sessions.
type Pool struct {
	available    map[string][]Connection
	inUse        map[string][]Connection
	lastActivity map[Connection]time.Time
	stats        PoolStats

	maxIdlePerHost int
	maxIdleTime    time.Duration

	mu sync.Mutex

	cleanupDone   chan struct{}
	cleanupCancel chan struct{}
	closeOnce     sync.Once
}

// PoolStats contains statistics about the connection pool
type PoolStats struct {
	TotalConnections   int
	ActiveConnections  int
	IdleConnections    int
	ConnectionsCreated int64
	ConnectionsReused  int64
	ConnectionsFlushed int64
	MaxIdleConnections int
}

// NewPool creates a new connection pool and starts its idle reaper.
// The caller owns the pool and must call CloseAll when done with it.
func NewPool(maxIdlePerHost int, maxIdleTime time.Duration) *Pool {
	logger.Debugf("Creating new connection pool: maxIdlePerHost=%d, maxIdleTime=%v",
		maxIdlePerHost, maxIdleTime)

	pool := &Pool{
		available:      make(map[string][]Connection),
		inUse:          make(map[string][]Connection),
		lastActivity:   make(map[Connection]time.Time),
		maxIdlePerHost: maxIdlePerHost,
		maxIdleTime:    maxIdleTime,
		cleanupDone:    make(chan struct{}),
		cleanupCancel:  make(chan struct{}),
		stats: PoolStats{
			MaxIdleConnections: maxIdlePerHost,
		},
	}

	go pool.cleanup(cleanupInterval(maxIdleTime))

	return pool
}

// GetConnection retrieves an idle connection for key if one is available.
// In case no suitable connection is found, it returns nil and
// the caller is expected to create a new connection and register it with RegisterConnection.
func (p *Pool) GetConnection(key string) Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		connections := p.available[key]
		if len(connections) == 0 {
			logger.Debugf("No available connections for key %s", key)
			return nil
		}

		lastIdx := len(connections) - 1
		conn := connections[lastIdx]
		p.available[key] = connections[:lastIdx]

		if !conn.IsAlive() {
			logger.Debugf("Discarding dead idle connection for key %s", key)
			conn.Close()
			delete(p.lastActivity, conn)
			continue
		}

		p.inUse[key] = append(p.inUse[key], conn)
		p.lastActivity[conn] = time.Now()
		p.stats.ConnectionsReused++
		p.updateStats()

		logger.Debugf("Reusing connection for key %s (reuse count: %d)", key, p.stats.ConnectionsReused)
		return conn
	}
}

// RegisterConnection registers a newly created connection with the pool as in use.
// This must be called after creating a new connection not obtained from GetConnection
func (p *Pool) RegisterConnection(conn Connection) {
	if conn == nil {
		logger.Warnf("Attempted to register nil connection")
		return
	}

	key := conn.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse[key] = append(p.inUse[key], conn)
	p.lastActivity[conn] = time.Now()
	p.stats.ConnectionsCreated++

	p.updateStats()
	logger.Debugf("Registered new connection for key %s", key)
}

// ReleaseConnection returns a connection to the idle set.
// Dead connections, or connections beyond maxIdlePerHost, are closed instead.
func (p *Pool) ReleaseConnection(conn Connection) {
	if conn == nil {
		logger.Warnf("Attempted to release nil connection")
		return
	}

	key := conn.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.removeInUse(key, conn) {
		logger.Warnf("Connection not found in active list for key: %s", key)
		return
	}

	if conn.IsAlive() && len(p.available[key]) < p.maxIdlePerHost {
		p.available[key] = append(p.available[key], conn)
		p.lastActivity[conn] = time.Now()
		logger.Debugf("Connection for key %s returned to idle set", key)
	} else {
		conn.Close()
		delete(p.lastActivity, conn)
		logger.Debugf("Connection for key %s is dead or idle set is full, closed", key)
	}

	p.updateStats()
}

// DiscardConnection closes an in-use connection and forgets it.
func (p *Pool) DiscardConnection(conn Connection) {
	if conn == nil {
		return
	}

	key := conn.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeInUse(key, conn)
	conn.Close()
	delete(p.lastActivity, conn)

	p.updateStats()
	logger.Debugf("Discarded connection for key %s", key)
}

// Flush closes and discards every idle connection.
// Connections currently in use are left untouched.
func (p *Pool) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	flushed := 0
	for key, connections := range p.available {
		for _, conn := range connections {
			conn.Close()
			delete(p.lastActivity, conn)
			flushed++
		}
		delete(p.available, key)
	}

	p.stats.ConnectionsFlushed += int64(flushed)
	p.updateStats()

	logger.Infof("Flushed %d idle connections", flushed)
	return flushed
}

// CloseAll stops the reaper and closes all connections in the pool.
func (p *Pool) CloseAll() {
	p.closeOnce.Do(func() {
		close(p.cleanupCancel)
		<-p.cleanupDone
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for _, connections := range p.available {
		for _, conn := range connections {
			conn.Close()
			closed++
		}
	}

	for _, connections := range p.inUse {
		for _, conn := range connections {
			conn.Close()
			closed++
		}
	}

	p.available = make(map[string][]Connection)
	p.inUse = make(map[string][]Connection)
	p.lastActivity = make(map[Connection]time.Time)

	p.updateStats()
	logger.Infof("All connections closed (%d total)", closed)
}

// Stats returns the current pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateStats()
	return p.stats
}

// cleanup periodically removes idle connections
func (p *Pool) cleanup(interval time.Duration) {
	defer close(p.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.removeIdleConnections()
		case <-p.cleanupCancel:
			return
		}
	}
}

// removeIdleConnections removes connections that have been idle for too long
func (p *Pool) removeIdleConnections() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0

	for key, connections := range p.available {
		var remaining []Connection

		for _, conn := range connections {
			lastActive, exists := p.lastActivity[conn]
			if !exists {
				remaining = append(remaining, conn)
				p.lastActivity[conn] = now
				continue
			}

			if !conn.IsAlive() || now.Sub(lastActive) > p.maxIdleTime {
				conn.Close()
				delete(p.lastActivity, conn)
				removed++
			} else {
				remaining = append(remaining, conn)
			}
		}

		if len(remaining) > 0 {
			p.available[key] = remaining
		} else {
			delete(p.available, key)
		}
	}

	p.updateStats()
	if removed > 0 {
		logger.Debugf("Idle connection cleanup complete: removed=%d, remaining=%d", removed, p.stats.IdleConnections)
	}
}

// removeInUse drops conn from the in-use list for key. p.mu must be held.
func (p *Pool) removeInUse(key string, conn Connection) bool {
	connections := p.inUse[key]

	idx := findConnectionIndex(connections, conn)
	if idx < 0 {
		return false
	}

	p.inUse[key] = append(connections[:idx], connections[idx+1:]...)
	if len(p.inUse[key]) == 0 {
		delete(p.inUse, key)
	}

	return true
}

// updateStats updates the connection pool statistics
func (p *Pool) updateStats() {
	idle := 0
	for _, connections := range p.available {
		idle += len(connections)
	}

	active := 0
	for _, connections := range p.inUse {
		active += len(connections)
	}

	p.stats.IdleConnections = idle
	p.stats.ActiveConnections = active
	p.stats.TotalConnections = idle + active
}

// findConnectionIndex finds a connection's index in a slice
func findConnectionIndex(connections []Connection, target Connection) int {
	for i, conn := range connections {
		if conn == target {
			return i
		}
	}
	return -1
}

func cleanupInterval(maxIdleTime time.Duration) time.Duration {
	interval := maxIdleTime / 2
	if interval > maxCleanupInterval {
		return maxCleanupInterval
	}
	if interval < minCleanupInterval {
		return minCleanupInterval
	}
	return interval
}
