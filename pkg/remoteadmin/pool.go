package remoteadmin

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/scp/pkg/log"
)

// Connection is an open transport session to one host scope. Implementations
// are owned by the pool; callers obtain, use, and return them.
type Connection interface {
	// Ping reports whether the session is still usable
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new connection for a (hostname, namespace) scope
type Dialer func(ctx context.Context, hostname, namespace string) (Connection, error)

type scopeKey struct {
	hostname  string
	namespace string
}

type pooled struct {
	conn     Connection
	lastUsed time.Time
}

// Pool caches transport connections per (hostname, namespace) scope and
// evicts sessions idle longer than the timeout. Get takes a session out of
// the pool and Put hands it back, so concurrent callers on the same scope
// each hold their own session and nothing is evicted while checked out.
type Pool struct {
	dial        Dialer
	idleTimeout time.Duration

	mu     sync.Mutex
	idle   map[scopeKey]*pooled
	leased int
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool with a 5-minute idle eviction timer
func NewPool(dial Dialer) *Pool {
	return NewPoolWithTimeout(dial, 5*time.Minute)
}

// NewPoolWithTimeout creates a pool with a custom idle timeout
func NewPoolWithTimeout(dial Dialer, idleTimeout time.Duration) *Pool {
	p := &Pool{
		dial:        dial,
		idleTimeout: idleTimeout,
		idle:        make(map[scopeKey]*pooled),
		stopCh:      make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

// Get returns a connection for the scope, reusing the idle cached session
// when it still answers a ping, dialing otherwise. The caller owns the
// session until it is handed back with Put.
func (p *Pool) Get(ctx context.Context, hostname, namespace string) (Connection, error) {
	key := scopeKey{hostname: hostname, namespace: namespace}

	p.mu.Lock()
	entry, ok := p.idle[key]
	if ok {
		delete(p.idle, key)
		p.leased++
	}
	p.mu.Unlock()

	if ok {
		if err := entry.conn.Ping(ctx); err == nil {
			return entry.conn, nil
		}
		// Session dropped while cached; reconnect.
		entry.conn.Close()
		p.mu.Lock()
		p.leased--
		p.mu.Unlock()
	}

	conn, err := p.dial(ctx, hostname, namespace)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.leased++
	p.mu.Unlock()
	return conn, nil
}

// Put hands a connection back to the pool. When the scope's idle slot is
// already occupied the session is closed instead of cached.
func (p *Pool) Put(hostname, namespace string, conn Connection) {
	key := scopeKey{hostname: hostname, namespace: namespace}

	p.mu.Lock()
	p.leased--
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if _, occupied := p.idle[key]; occupied {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle[key] = &pooled{conn: conn, lastUsed: time.Now()}
	p.mu.Unlock()
}

// Close shuts down the pool and every cached session. Leased sessions are
// closed as they come back through Put.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, entry := range p.idle {
		entry.conn.Close()
		delete(p.idle, key)
	}
}

// Size returns the number of live connections, cached and checked out
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.leased
}

func (p *Pool) evictLoop() {
	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) evictIdle() {
	logger := log.WithComponent("remoteadmin-pool")
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.idle {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		entry.conn.Close()
		delete(p.idle, key)
		logger.Debug().Str("host", key.hostname).Str("namespace", key.namespace).Msg("Evicted idle connection")
	}
}
