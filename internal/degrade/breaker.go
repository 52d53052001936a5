package degrade

import (
	"sync"
	"time"
)

// State is the breaker state for one endpoint.
type State int

const (
	// StateClosed means the endpoint is behaving; the normal profile is used
	StateClosed State = iota
	// StateOpen means recent transport failures tripped the breaker
	StateOpen
	// StateHalfOpen means the cool-down elapsed and the next outcome decides
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures per-endpoint breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" json:"consecutive_failures" validate:"gte=1"`

	// Interval is how long closed-state counts are kept before clearing
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// OnStateChange is called with the breaker name when state changes
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 2,
		Interval:            time.Minute,
		Timeout:             2 * time.Minute,
	}
}

// Counts holds outcome counters for the current interval.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) onSuccess(now time.Time) {
	c.Requests++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
	c.LastActivity = now
}

func (c *Counts) onFailure(now time.Time) {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	c.LastActivity = now
}

// Breaker tracks transport outcomes for one endpoint. Unlike a request
// breaker it never rejects work; an open breaker only selects the degraded
// timeout profile.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

func newBreaker(name string, config BreakerConfig, now func() time.Time) *Breaker {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = 2
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    now,
		state:  StateClosed,
		expiry: now().Add(config.Interval),
	}
}

// Record feeds one outcome into the breaker. failure is true for transport
// failures only; lookup and permission errors say nothing about the link.
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if !failure {
		b.counts.onSuccess(now)
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure(now)
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.ConsecutiveFailures {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setState(StateClosed, b.now())
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}
