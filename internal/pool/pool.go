// Package pool caches authenticated remote sessions keyed by endpoint and identity.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharepool/sharepool/internal/transport"
)

// Connector establishes a new session for a key.
type Connector func(ctx context.Context) (transport.Conn, error)

// Config configures a Pool.
type Config struct {
	// IdleTimeout is the staleness threshold; servers reap idle sessions aggressively
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gt=0"`

	// JanitorInterval is how often idle sessions are swept; zero disables the sweep
	JanitorInterval time.Duration `yaml:"janitor_interval" json:"janitor_interval" validate:"gte=0"`

	// CloseWorkers and CloseQueue size the background closer
	CloseWorkers int `yaml:"close_workers" json:"close_workers" validate:"gte=1,lte=32"`
	CloseQueue   int `yaml:"close_queue" json:"close_queue" validate:"gte=1"`
}

// DefaultConfig returns a pool configuration tuned to SMB server idle reaping.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Second,
		JanitorInterval: 15 * time.Second,
		CloseWorkers:    2,
		CloseQueue:      64,
	}
}

// Stats tracks pool activity.
type Stats struct {
	Size         int   `json:"size"`
	InUse        int   `json:"in_use"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Created      int64 `json:"created"`
	DialErrors   int64 `json:"dial_errors"`
	EvictedStale int64 `json:"evicted_stale"`
	EvictedDead  int64 `json:"evicted_dead"`
	Evicted      int64 `json:"evicted"`
	Closed       int64 `json:"closed"`
	CloseErrors  int64 `json:"close_errors"`
}

type slot struct {
	// dial serialises acquisition for one key; it is held only by Acquire
	dial chan struct{}

	mu       sync.Mutex
	conn     transport.Conn
	lastUsed time.Time
	inUse    int
}

// detach removes the slot's connection. Must be called with s.mu held.
func (s *slot) detach() transport.Conn {
	c := s.conn
	s.conn = nil
	s.inUse = 0
	return c
}

// Pool holds at most one session per key. Operations on different keys never
// contend; eviction never waits for an in-progress connect.
type Pool struct {
	config Config
	slots  sync.Map // transport.Key -> *slot
	closer *closer
	now    func() time.Time
	logger *slog.Logger

	hits         atomic.Int64
	misses       atomic.Int64
	created      atomic.Int64
	dialErrors   atomic.Int64
	evictedStale atomic.Int64
	evictedDead  atomic.Int64
	evicted      atomic.Int64

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
	closeOnce     sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New creates a pool.
func New(config Config, opts ...Option) *Pool {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	p := &Pool{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	p.closer = newCloser(config.CloseWorkers, config.CloseQueue, p.logger)
	return p
}

func (p *Pool) slotFor(key transport.Key) *slot {
	if s, ok := p.slots.Load(key); ok {
		return s.(*slot)
	}
	s, _ := p.slots.LoadOrStore(key, &slot{dial: make(chan struct{}, 1)})
	return s.(*slot)
}

// Lease is a connection handed out by Acquire. Exactly one of Done or
// Discard should be called when the caller is finished with it.
type Lease struct {
	Conn  transport.Conn
	Fresh bool

	key  transport.Key
	pool *Pool
	once sync.Once
}

// Done marks a successful use and refreshes last-used.
func (l *Lease) Done() {
	l.once.Do(func() { l.pool.finish(l.key, l.Conn, true) })
}

// Release ends the lease without refreshing last-used; used when the
// operation was cancelled and the connection's state is unknown but intact.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.finish(l.key, l.Conn, false) })
}

// Discard evicts the leased connection if it is still the pooled one.
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.Invalidate(l.key, l.Conn) })
}

// Acquire returns the pooled connection for key if it passes the liveness
// check, otherwise calls connect and pools the result.
func (p *Pool) Acquire(ctx context.Context, key transport.Key, connect Connector) (*Lease, error) {
	s := p.slotFor(key)

	select {
	case s.dial <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.dial }()

	now := p.now()

	s.mu.Lock()
	if s.conn != nil {
		switch reason := p.liveness(s, now); reason {
		case "":
			s.lastUsed = now
			s.inUse++
			conn := s.conn
			s.mu.Unlock()
			p.hits.Add(1)
			return &Lease{Conn: conn, key: key, pool: p}, nil
		default:
			stale := s.detach()
			s.mu.Unlock()
			if reason == "stale" {
				p.evictedStale.Add(1)
			} else {
				p.evictedDead.Add(1)
			}
			p.logger.Debug("discarding pooled connection", "key", key.String(), "reason", reason)
			p.closer.enqueue(stale)
		}
	} else {
		s.mu.Unlock()
	}

	p.misses.Add(1)
	conn, err := connect(ctx)
	if err != nil {
		p.dialErrors.Add(1)
		return nil, err
	}
	p.created.Add(1)

	s.mu.Lock()
	prev := s.detach()
	s.conn = conn
	s.lastUsed = p.now()
	s.inUse = 1
	s.mu.Unlock()
	p.closer.enqueue(prev)

	return &Lease{Conn: conn, Fresh: true, key: key, pool: p}, nil
}

// liveness returns "" when the slot's connection is usable, otherwise the
// reason it is not. Must be called with s.mu held.
func (p *Pool) liveness(s *slot, now time.Time) (reason string) {
	if s.inUse == 0 && now.Sub(s.lastUsed) > p.config.IdleTimeout {
		return "stale"
	}
	defer func() {
		if r := recover(); r != nil {
			reason = "probe_panic"
		}
	}()
	if !s.conn.Connected() {
		return "disconnected"
	}
	return ""
}

func (p *Pool) finish(key transport.Key, conn transport.Conn, touch bool) {
	v, ok := p.slots.Load(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
	if touch {
		s.lastUsed = p.now()
	}
}

// Invalidate evicts conn if it is still the pooled connection for key.
func (p *Pool) Invalidate(key transport.Key, conn transport.Conn) {
	v, ok := p.slots.Load(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.detach()
	s.mu.Unlock()

	p.evicted.Add(1)
	p.closer.enqueue(conn)
}

// Release removes and closes the entry for key. It never blocks on the close.
func (p *Pool) Release(key transport.Key) {
	v, ok := p.slots.Load(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	conn := s.detach()
	s.mu.Unlock()

	if conn != nil {
		p.evicted.Add(1)
		p.closer.enqueue(conn)
	}
}

// EvictIdle removes connections unused for longer than threshold. Leased
// connections are skipped. It returns the number evicted.
func (p *Pool) EvictIdle(threshold time.Duration) int {
	now := p.now()
	n := 0
	p.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		var conn transport.Conn
		if s.conn != nil && s.inUse == 0 && now.Sub(s.lastUsed) > threshold {
			conn = s.detach()
		}
		s.mu.Unlock()
		if conn != nil {
			n++
			p.closer.enqueue(conn)
		}
		return true
	})
	if n > 0 {
		p.evictedStale.Add(int64(n))
		p.logger.Debug("evicted idle connections", "count", n)
	}
	return n
}

// EvictAll removes every connection, including leased ones. Calling it on an
// empty pool is a no-op.
func (p *Pool) EvictAll() int {
	n := 0
	p.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		conn := s.detach()
		s.mu.Unlock()
		if conn != nil {
			n++
			p.closer.enqueue(conn)
		}
		return true
	})
	if n > 0 {
		p.evicted.Add(int64(n))
		p.logger.Info("evicted all connections", "count", n)
	}
	return n
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	n := 0
	p.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.conn != nil {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

// Contains reports whether conn is the pooled connection for key.
func (p *Pool) Contains(key transport.Key, conn transport.Conn) bool {
	v, ok := p.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn == conn
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	st := Stats{
		Hits:         p.hits.Load(),
		Misses:       p.misses.Load(),
		Created:      p.created.Load(),
		DialErrors:   p.dialErrors.Load(),
		EvictedStale: p.evictedStale.Load(),
		EvictedDead:  p.evictedDead.Load(),
		Evicted:      p.evicted.Load(),
		Closed:       p.closer.closedCount.Load(),
		CloseErrors:  p.closer.failedCount.Load(),
	}
	p.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.conn != nil {
			st.Size++
			if s.inUse > 0 {
				st.InUse++
			}
		}
		s.mu.Unlock()
		return true
	})
	return st
}

// StartJanitor sweeps idle connections every JanitorInterval until Close.
func (p *Pool) StartJanitor(ctx context.Context) {
	if p.config.JanitorInterval <= 0 || p.janitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.janitorCancel = cancel
	p.janitorDone = make(chan struct{})

	go func() {
		defer close(p.janitorDone)
		ticker := time.NewTicker(p.config.JanitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.EvictIdle(p.config.IdleTimeout)
			}
		}
	}()
}

// Drain waits for all scheduled closes to finish.
func (p *Pool) Drain() {
	p.closer.drain()
}

// Close evicts everything, stops the janitor and waits for closes to finish.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if p.janitorCancel != nil {
			p.janitorCancel()
			<-p.janitorDone
		}
		p.EvictAll()
		p.closer.shutdown()
	})
	return nil
}
