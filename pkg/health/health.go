// Package health tracks consecutive transport failures across all endpoints
// and drives the warn, evict and full-reset escalation policy.
package health

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sharepool/sharepool/pkg/errors"
)

// HealthState is the escalation tier derived from the failure counter.
type HealthState int

const (
	// StateHealthy means the counter is below the warning threshold
	StateHealthy HealthState = iota

	// StateWarning means failures are accumulating; callers should prefer the degraded profile
	StateWarning

	// StateCritical means the next operation tears down the pool before running
	StateCritical
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Outcome is what an operation attempt reports back to the tracker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetriable covers timeouts and dropped sessions on an established connection
	OutcomeRetriable
	// OutcomeNonRetriable covers authentication, permission and lookup failures
	OutcomeNonRetriable
	// OutcomeCriticalTransport is a socket abort observed while establishing a fresh connection
	OutcomeCriticalTransport
)

// Action is a side effect the caller must perform after a transition.
type Action int

const (
	ActionEvictAll Action = iota
	ActionResetClients
	ActionLogWarning
)

func (a Action) String() string {
	switch a {
	case ActionEvictAll:
		return "evict_all"
	case ActionResetClients:
		return "reset_clients"
	case ActionLogWarning:
		return "log_warning"
	default:
		return "unknown"
	}
}

// Reason explains why an escalation fired; used for logs and metric labels.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonIdleRecovery      Reason = "idle_recovery"
	ReasonCriticalThreshold Reason = "critical_threshold"
	ReasonCriticalTransport Reason = "critical_transport"
	ReasonManual            Reason = "manual"
)

// Config holds the tunable thresholds. WarningThreshold must be below CriticalThreshold.
type Config struct {
	WarningThreshold   int           `yaml:"warning_threshold" json:"warning_threshold" validate:"gte=1"`
	CriticalThreshold  int           `yaml:"critical_threshold" json:"critical_threshold" validate:"gtfield=WarningThreshold"`
	IdleRecoveryWindow time.Duration `yaml:"idle_recovery_window" json:"idle_recovery_window" validate:"gt=0"`
	WarningLogInterval time.Duration `yaml:"warning_log_interval" json:"warning_log_interval"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		WarningThreshold:   3,
		CriticalThreshold:  5,
		IdleRecoveryWindow: time.Minute,
		WarningLogInterval: 10 * time.Second,
	}
}

// Snapshot is the tracker's mutable state.
type Snapshot struct {
	Failures    int
	LastSuccess time.Time
}

// Event is one input to the transition function: either a pre-flight check
// (Preflight true) or an observed outcome.
type Event struct {
	Preflight bool
	Outcome   Outcome
	Now       time.Time
}

// Transition is the single escalation policy. It consumes the current
// snapshot and an event and returns the next snapshot, the resulting state,
// the actions to perform and the escalation reason, if any.
func (c Config) Transition(s Snapshot, ev Event) (Snapshot, HealthState, []Action, Reason) {
	var actions []Action
	reason := ReasonNone

	if ev.Preflight {
		switch {
		case s.Failures > 0 && ev.Now.Sub(s.LastSuccess) > c.IdleRecoveryWindow:
			s.Failures = 0
			actions = append(actions, ActionEvictAll, ActionResetClients)
			reason = ReasonIdleRecovery
		case s.Failures >= c.CriticalThreshold:
			s.Failures = 0
			actions = append(actions, ActionEvictAll, ActionResetClients)
			reason = ReasonCriticalThreshold
		}
		return s, c.stateFor(s.Failures), actions, reason
	}

	switch ev.Outcome {
	case OutcomeSuccess:
		s.Failures = 0
		s.LastSuccess = ev.Now
	case OutcomeRetriable:
		s.Failures++
		switch {
		case s.Failures >= c.CriticalThreshold:
			s.Failures = 0
			actions = append(actions, ActionEvictAll, ActionResetClients)
			reason = ReasonCriticalThreshold
		case s.Failures >= c.WarningThreshold:
			actions = append(actions, ActionLogWarning)
		}
	case OutcomeCriticalTransport:
		actions = append(actions, ActionEvictAll, ActionResetClients)
		reason = ReasonCriticalTransport
	case OutcomeNonRetriable:
	}

	return s, c.stateFor(s.Failures), actions, reason
}

func (c Config) stateFor(failures int) HealthState {
	switch {
	case failures >= c.CriticalThreshold:
		return StateCritical
	case failures >= c.WarningThreshold:
		return StateWarning
	default:
		return StateHealthy
	}
}

// OutcomeOf maps a classified error onto a tracker outcome. fresh reports
// whether the failure happened while establishing a new connection.
func OutcomeOf(err error, fresh bool) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset:
		return OutcomeRetriable
	case errors.ErrCodeCriticalTransport:
		if fresh {
			return OutcomeCriticalTransport
		}
		return OutcomeRetriable
	default:
		return OutcomeNonRetriable
	}
}

// StateChangeCallback is called when the tracker's state changes
type StateChangeCallback func(oldState, newState HealthState)

// EscalationCallback is called whenever a transition produced eviction actions
type EscalationCallback func(reason Reason)

// Tracker owns the failure counter for one client instance.
type Tracker struct {
	mu       sync.Mutex
	config   Config
	snapshot Snapshot
	state    HealthState

	escalations int64

	now         func() time.Time
	logger      *slog.Logger
	warnLog     *rate.Sometimes
	callbacks   []StateChangeCallback
	onEscalated []EscalationCallback
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger used for warning and escalation messages.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker. The last-success timestamp starts at
// construction time so a fresh tracker does not idle-recover immediately.
func NewTracker(config Config, opts ...Option) *Tracker {
	if config.WarningLogInterval <= 0 {
		config.WarningLogInterval = 10 * time.Second
	}
	t := &Tracker{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "health")
	t.warnLog = &rate.Sometimes{Interval: config.WarningLogInterval}
	t.snapshot.LastSuccess = t.now()
	return t
}

// Preflight runs the entry checks for an operation and returns the actions to
// perform before attempting it.
func (t *Tracker) Preflight() ([]Action, Reason) {
	return t.apply(Event{Preflight: true, Now: t.now()})
}

// Observe records an outcome and returns the actions it triggers.
func (t *Tracker) Observe(outcome Outcome) ([]Action, Reason) {
	return t.apply(Event{Outcome: outcome, Now: t.now()})
}

// ObserveError classifies err and records it.
func (t *Tracker) ObserveError(err error, fresh bool) ([]Action, Reason) {
	return t.Observe(OutcomeOf(err, fresh))
}

// Reset zeroes the counter without producing actions; used by operator-triggered resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	old := t.state
	t.snapshot.Failures = 0
	t.state = StateHealthy
	callbacks := t.callbacks
	t.mu.Unlock()

	t.notify(callbacks, old, StateHealthy)
}

func (t *Tracker) apply(ev Event) ([]Action, Reason) {
	t.mu.Lock()
	old := t.state
	next, state, actions, reason := t.config.Transition(t.snapshot, ev)
	t.snapshot = next
	t.state = state
	if reason != ReasonNone {
		t.escalations++
	}
	failures := next.Failures
	callbacks := t.callbacks
	escalated := t.onEscalated
	t.mu.Unlock()

	for _, a := range actions {
		if a == ActionLogWarning {
			t.warnLog.Do(func() {
				t.logger.Warn("consecutive transport failures", "failures", failures,
					"critical_threshold", t.config.CriticalThreshold)
			})
		}
	}
	if reason != ReasonNone {
		t.logger.Warn("escalating to full connection reset", "reason", string(reason))
		for _, cb := range escalated {
			cb(reason)
		}
	}
	if old != state {
		t.notify(callbacks, old, state)
	}

	return actions, reason
}

func (t *Tracker) notify(callbacks []StateChangeCallback, old, state HealthState) {
	if old == state {
		return
	}
	for _, cb := range callbacks {
		cb(old, state)
	}
}

// State returns the current tier.
func (t *Tracker) State() HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Failures returns the consecutive failure count.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.Failures
}

// LastSuccess returns the time of the last successful operation.
func (t *Tracker) LastSuccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.LastSuccess
}

// Escalations returns how many times a full reset was requested.
func (t *Tracker) Escalations() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.escalations
}

// AddStateChangeCallback registers a callback invoked synchronously on state changes.
func (t *Tracker) AddStateChangeCallback(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// AddEscalationCallback registers a callback invoked after each escalation.
func (t *Tracker) AddEscalationCallback(cb EscalationCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEscalated = append(t.onEscalated, cb)
}

// HasAction reports whether actions contains a.
func HasAction(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
