// Package gate bounds concurrent remote sessions per protocol.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/sharepool/sharepool/internal/transport"
)

// Config holds per-protocol ceilings.
type Config struct {
	Ceilings       map[transport.Protocol]int64 `yaml:"ceilings" json:"ceilings" validate:"dive,gte=1"`
	DefaultCeiling int64                        `yaml:"default_ceiling" json:"default_ceiling" validate:"gte=1"`
}

// DefaultConfig returns ceilings in the tens, lower for the chattier protocols.
func DefaultConfig() Config {
	return Config{
		Ceilings: map[transport.Protocol]int64{
			transport.ProtocolSMB:  16,
			transport.ProtocolSFTP: 8,
			transport.ProtocolFTP:  4,
			transport.ProtocolS3:   32,
		},
		DefaultCeiling: 8,
	}
}

type lane struct {
	sem      *semaphore.Weighted
	ceiling  int64
	inFlight atomic.Int64
	peak     atomic.Int64
	waiting  atomic.Int64
}

// Gate is a set of counting semaphores, one per protocol.
type Gate struct {
	config Config
	mu     sync.Mutex
	lanes  map[transport.Protocol]*lane
}

// New creates a gate.
func New(config Config) *Gate {
	if config.DefaultCeiling <= 0 {
		config.DefaultCeiling = 8
	}
	return &Gate{config: config, lanes: make(map[transport.Protocol]*lane)}
}

func (g *Gate) lane(p transport.Protocol) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.lanes[p]; ok {
		return l
	}
	ceiling := g.config.DefaultCeiling
	if c, ok := g.config.Ceilings[p]; ok && c > 0 {
		ceiling = c
	}
	l := &lane{sem: semaphore.NewWeighted(ceiling), ceiling: ceiling}
	g.lanes[p] = l
	return l
}

// Acquire blocks until a permit for protocol is available or ctx is done.
// The returned release func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context, protocol transport.Protocol) (func(), error) {
	l := g.lane(protocol)

	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	n := l.inFlight.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of permits currently held for protocol.
func (g *Gate) InFlight(protocol transport.Protocol) int64 {
	return g.lane(protocol).inFlight.Load()
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting(protocol transport.Protocol) int64 {
	return g.lane(protocol).waiting.Load()
}

// Peak returns the highest concurrent permit count observed.
func (g *Gate) Peak(protocol transport.Protocol) int64 {
	return g.lane(protocol).peak.Load()
}

// Ceiling returns the permit ceiling for protocol.
func (g *Gate) Ceiling(protocol transport.Protocol) int64 {
	return g.lane(protocol).ceiling
}
