// Package degrade decides whether an endpoint should be dialed with the
// degraded (patient) timeout profile.
package degrade

import (
	"sync"
	"time"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// Signal reports whether an endpoint is currently considered degraded.
type Signal interface {
	IsDegraded(protocol transport.Protocol, resource string) bool
}

// Reporter receives operation outcomes so a Signal can learn from them.
type Reporter interface {
	Report(protocol transport.Protocol, resource string, err error)
}

// Func adapts a function to Signal.
type Func func(protocol transport.Protocol, resource string) bool

func (f Func) IsDegraded(protocol transport.Protocol, resource string) bool {
	return f(protocol, resource)
}

// Never is a Signal that is always healthy.
var Never Signal = Func(func(transport.Protocol, string) bool { return false })

// Breakers keeps one Breaker per protocol and resource. It is both a Signal
// and a Reporter.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set. now may be nil.
func NewBreakers(config BreakerConfig, now func() time.Time) *Breakers {
	if now == nil {
		now = time.Now
	}
	return &Breakers{
		breakers: make(map[string]*Breaker),
		config:   config,
		now:      now,
	}
}

func breakerName(protocol transport.Protocol, resource string) string {
	return string(protocol) + "://" + resource
}

// Get gets or creates the breaker for an endpoint.
func (s *Breakers) Get(protocol transport.Protocol, resource string) *Breaker {
	name := breakerName(protocol, resource)

	s.mu.RLock()
	if b, ok := s.breakers[name]; ok {
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, s.config, s.now)
	s.breakers[name] = b
	return b
}

// IsDegraded is true while the endpoint's breaker is not closed.
func (s *Breakers) IsDegraded(protocol transport.Protocol, resource string) bool {
	s.mu.RLock()
	b, ok := s.breakers[breakerName(protocol, resource)]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return b.State() != StateClosed
}

// Report records err against the endpoint. Only timeouts and dropped
// sessions count as failures; a nil error counts as success; everything
// else is ignored.
func (s *Breakers) Report(protocol transport.Protocol, resource string, err error) {
	if err == nil {
		s.Get(protocol, resource).Record(false)
		return
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset, errors.ErrCodeCriticalTransport:
		s.Get(protocol, resource).Record(true)
	}
}

// ResetAll closes every breaker.
func (s *Breakers) ResetAll() {
	s.mu.RLock()
	all := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		all = append(all, b)
	}
	s.mu.RUnlock()

	for _, b := range all {
		b.Reset()
	}
}

// Stats returns the state of every known breaker.
func (s *Breakers) Stats() map[string]State {
	s.mu.RLock()
	all := make(map[string]*Breaker, len(s.breakers))
	for name, b := range s.breakers {
		all[name] = b
	}
	s.mu.RUnlock()

	out := make(map[string]State, len(all))
	for name, b := range all {
		out[name] = b.State()
	}
	return out
}
