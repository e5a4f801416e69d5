// Package pool maintains bounded, reusable outbound HTTP connections keyed by
// destination host. Checkout blocks only as long as the caller's context
// allows; idle connections are evicted by a background janitor; connections
// that saw a transport error are discarded instead of being returned.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config controls per-host pool behavior.
type Config struct {
	// MaxPerHost caps concurrently checked-out connections per host.
	MaxPerHost int
	// IdleTTL is how long an idle connection may sit before eviction.
	IdleTTL time.Duration
	// SweepInterval is how often the janitor scans for stale idle connections.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerHost:    8,
		IdleTTL:       90 * time.Second,
		SweepInterval: 15 * time.Second,
	}
}

// Conn is one pooled outbound connection. While checked out it is owned by
// exactly one executor invocation.
type Conn struct {
	host      string
	client    *http.Client
	transport *http.Transport
	idleSince time.Time
	unusable  bool
}

// Do performs an HTTP round trip on this connection.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// MarkUnusable flags the connection so Release discards it instead of
// returning it to the idle set.
func (c *Conn) MarkUnusable() {
	c.unusable = true
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}

// Pool manages outbound connections for all destination hosts. Host entries
// carry their own locks so checkout on one host never blocks another.
type Pool struct {
	mu     sync.RWMutex
	hosts  map[string]*hostPool
	config Config
	logger *slog.Logger

	created atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

type hostPool struct {
	host  string
	slots chan struct{}

	mu   sync.Mutex
	idle []*Conn
}

// New creates a pool and starts its idle-eviction janitor.
func New(config Config, logger *slog.Logger) *Pool {
	if config.MaxPerHost <= 0 {
		config.MaxPerHost = DefaultConfig().MaxPerHost
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultConfig().IdleTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		hosts:  make(map[string]*hostPool),
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go p.janitor()
	return p
}

// Checkout acquires a connection for host, creating one if none is idle and
// the per-host cap is not reached. When the host is at capacity the call
// blocks until a connection frees or ctx expires; expiry surfaces ctx.Err()
// so the caller classifies it as a timeout.
func (p *Pool) Checkout(ctx context.Context, host string) (*Conn, error) {
	hp := p.hostPool(host)

	select {
	case hp.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("pool checkout for %s: %w", host, ctx.Err())
	}

	hp.mu.Lock()
	if n := len(hp.idle); n > 0 {
		conn := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		hp.mu.Unlock()
		return conn, nil
	}
	hp.mu.Unlock()

	return p.newConn(host), nil
}

// Release returns a connection to its host's idle set, or discards it when it
// was marked unusable. Always frees the per-host slot.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	hp := p.hostPool(conn.host)

	if conn.unusable {
		conn.close()
		p.logger.Debug("discarded unusable connection", "host", conn.host)
	} else {
		conn.idleSince = time.Now()
		hp.mu.Lock()
		hp.idle = append(hp.idle, conn)
		hp.mu.Unlock()
	}

	<-hp.slots
}

// Created reports the total number of connections built since startup.
// Tests use it to assert that invalid requests never touch the network.
func (p *Pool) Created() int64 {
	return p.created.Load()
}

// IdleCount reports the number of idle connections held for host.
func (p *Pool) IdleCount(host string) int {
	p.mu.RLock()
	hp, ok := p.hosts[host]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.idle)
}

// Close stops the janitor and drops all idle connections.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range p.hosts {
		hp.mu.Lock()
		for _, conn := range hp.idle {
			conn.close()
		}
		hp.idle = nil
		hp.mu.Unlock()
	}
}

func (p *Pool) hostPool(host string) *hostPool {
	p.mu.RLock()
	hp, ok := p.hosts[host]
	p.mu.RUnlock()
	if ok {
		return hp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hp, ok := p.hosts[host]; ok {
		return hp
	}
	hp = &hostPool{
		host:  host,
		slots: make(chan struct{}, p.config.MaxPerHost),
	}
	p.hosts[host] = hp
	return hp
}

func (p *Pool) newConn(host string) *Conn {
	transport := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     p.config.IdleTTL,
		ForceAttemptHTTP2:   true,
	}
	p.created.Add(1)
	p.logger.Debug("created pooled connection", "host", host, "total_created", p.created.Load())
	return &Conn{
		host:      host,
		transport: transport,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

func (p *Pool) janitor() {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.evictIdle(now)
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	p.mu.RLock()
	pools := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		pools = append(pools, hp)
	}
	p.mu.RUnlock()

	for _, hp := range pools {
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, conn := range hp.idle {
			if now.Sub(conn.idleSince) > p.config.IdleTTL {
				conn.close()
				p.logger.Debug("evicted idle connection", "host", hp.host)
				continue
			}
			kept = append(kept, conn)
		}
		hp.idle = kept
		hp.mu.Unlock()
	}
}
