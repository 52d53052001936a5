package transport

import (
	"fmt"
	"log/slog"
	"sync"
)

// Factory builds a dialer for a timeout profile.
type Factory func(profile Profile) (Dialer, error)

// Cell holds the current normal and degraded dialers for one protocol. Both
// are built lazily; Reset closes them and the next Get builds fresh ones.
type Cell struct {
	mu         sync.Mutex
	factory    Factory
	profiles   [2]Profile
	dialers    [2]Dialer
	generation uint64
	logger     *slog.Logger
}

// NewCell creates a cell for the given profiles.
func NewCell(factory Factory, normal, degraded Profile, logger *slog.Logger) *Cell {
	if logger == nil {
		logger = slog.Default()
	}
	normal.Name = ProfileNormal
	degraded.Name = ProfileDegraded
	return &Cell{
		factory:  factory,
		profiles: [2]Profile{normal, degraded},
		logger:   logger.With("component", "transport"),
	}
}

func slot(degraded bool) int {
	if degraded {
		return 1
	}
	return 0
}

// Get returns the dialer for the requested profile, building it on first use.
func (c *Cell) Get(degraded bool) (Dialer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slot(degraded)
	if c.dialers[i] != nil {
		return c.dialers[i], nil
	}

	d, err := c.factory(c.profiles[i])
	if err != nil {
		return nil, fmt.Errorf("build %s dialer: %w", c.profiles[i].Name, err)
	}
	c.dialers[i] = d
	return d, nil
}

// Reset closes both dialers and bumps the generation. Calls to Get that start
// after Reset returns always see fresh instances.
func (c *Cell) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, d := range c.dialers {
		if d == nil {
			continue
		}
		if err := d.Close(); err != nil {
			c.logger.Debug("close dialer", "profile", c.profiles[i].Name, "error", err)
		}
		c.dialers[i] = nil
	}
	c.generation++
}

// Generation counts resets.
func (c *Cell) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Profile returns the configured profile.
func (c *Cell) Profile(degraded bool) Profile {
	return c.profiles[slot(degraded)]
}
