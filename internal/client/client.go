// Package client is the operation façade: every remote file operation goes
// through the admission gate, the health tracker and the connection pool here.
package client

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharepool/sharepool/internal/buffer"
	"github.com/sharepool/sharepool/internal/config"
	"github.com/sharepool/sharepool/internal/credentials"
	"github.com/sharepool/sharepool/internal/degrade"
	"github.com/sharepool/sharepool/internal/gate"
	"github.com/sharepool/sharepool/internal/metrics"
	"github.com/sharepool/sharepool/internal/pool"
	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
	"github.com/sharepool/sharepool/pkg/health"
	"github.com/sharepool/sharepool/pkg/retry"
)

// DefaultPorts are used when an Endpoint leaves Port at zero.
var DefaultPorts = map[transport.Protocol]int{
	transport.ProtocolSMB:  445,
	transport.ProtocolSFTP: 22,
	transport.ProtocolFTP:  21,
	transport.ProtocolS3:   443,
}

// Endpoint names a remote share. The identity used to reach it comes from
// the credentials lookup.
type Endpoint struct {
	Protocol transport.Protocol `json:"protocol"`
	Server   string             `json:"server"`
	Port     int                `json:"port,omitempty"`
	Share    string             `json:"share"`
}

// Resource returns the server/share pair used by the degradation signal.
func (e Endpoint) Resource() string {
	return e.Server + "/" + e.Share
}

// SameShare reports whether e and o address the same share on the same server.
func (e Endpoint) SameShare(o Endpoint) bool {
	return e.Protocol == o.Protocol && e.Server == o.Server && e.port() == o.port() && e.Share == o.Share
}

func (e Endpoint) port() int {
	if e.Port != 0 {
		return e.Port
	}
	return DefaultPorts[e.Protocol]
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d/%s", e.Protocol, e.Server, e.port(), e.Share)
}

func (e Endpoint) key(creds transport.Credentials) transport.Key {
	return transport.Key{
		Protocol: e.Protocol,
		Server:   e.Server,
		Port:     e.port(),
		Share:    e.Share,
		Username: creds.Username,
		Domain:   creds.Domain,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithTransport registers the dialer factory for a protocol.
func WithTransport(protocol transport.Protocol, factory transport.Factory) Option {
	return func(c *Client) { c.factories[protocol] = factory }
}

// WithCredentials sets the credentials lookup. Without one every session is anonymous.
func WithCredentials(lookup credentials.Lookup) Option {
	return func(c *Client) { c.creds = lookup }
}

// WithSignal replaces the per-endpoint degradation signal. By default the
// client keeps its own breakers, fed by operation outcomes.
func WithSignal(signal degrade.Signal) Option {
	return func(c *Client) { c.signal = signal }
}

// WithReporter sets where operation outcomes are reported. Defaults to the
// built-in breakers.
func WithReporter(reporter degrade.Reporter) Option {
	return func(c *Client) { c.reporter = reporter }
}

// WithMetrics attaches a collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces time.Now throughout the client, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is safe for concurrent use. Create one per process and Close it on shutdown.
type Client struct {
	config *config.Configuration

	factories map[transport.Protocol]transport.Factory
	cells     map[transport.Protocol]*transport.Cell

	pool     *pool.Pool
	gate     *gate.Gate
	tracker  *health.Tracker
	breakers *degrade.Breakers
	retryer  *retry.Retryer
	buffers  *buffer.BytePool

	creds    credentials.Lookup
	signal   degrade.Signal
	reporter degrade.Reporter
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	resetMu sync.Mutex
	closed  atomic.Bool
}

// New builds a client from cfg. cfg is validated first.
func New(cfg *config.Configuration, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid client configuration").
			WithComponent("client").WithCause(err)
	}

	c := &Client{
		config:    cfg,
		factories: make(map[transport.Protocol]transport.Factory),
		cells:     make(map[transport.Protocol]*transport.Cell),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.logger
	c.logger = base.With("component", "client")

	c.pool = pool.New(cfg.Pool, pool.WithClock(c.now), pool.WithLogger(base))
	c.gate = gate.New(cfg.Gate)
	c.tracker = health.NewTracker(cfg.Health, health.WithClock(c.now), health.WithLogger(base))
	c.retryer = retry.New(cfg.Retry)
	c.buffers = buffer.NewBytePool()

	c.breakers = degrade.NewBreakers(c.breakerConfig(), c.now)
	if c.signal == nil {
		c.signal = c.breakers
	}
	if c.reporter == nil {
		c.reporter = c.breakers
	}

	protocols := make([]transport.Protocol, 0, len(c.factories))
	for p, f := range c.factories {
		c.cells[p] = transport.NewCell(f, cfg.Timeouts.Normal, cfg.Timeouts.Degraded, base)
		protocols = append(protocols, p)
	}
	sort.Slice(protocols, func(i, j int) bool { return protocols[i] < protocols[j] })

	c.tracker.AddStateChangeCallback(func(old, state health.HealthState) {
		c.logger.Info("health state changed", "from", old.String(), "to", state.String())
	})
	if err := c.registerGauges(protocols); err != nil {
		return nil, err
	}

	c.pool.StartJanitor(context.Background())
	return c, nil
}

func (c *Client) breakerConfig() degrade.BreakerConfig {
	bc := c.config.Breaker
	prev := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to degrade.State) {
		c.logger.Info("endpoint degradation changed", "endpoint", name, "from", from.String(), "to", to.String())
		if prev != nil {
			prev(name, from, to)
		}
	}
	return bc
}

func (c *Client) registerGauges(protocols []transport.Protocol) error {
	if err := c.metrics.RegisterGauge("pool_connections", "Pooled sessions", nil,
		func() float64 { return float64(c.pool.Len()) }); err != nil {
		return fmt.Errorf("register pool gauge: %w", err)
	}
	for _, p := range protocols {
		p := p
		if err := c.metrics.RegisterGauge("gate_in_flight", "Admission permits held",
			prometheus.Labels{"protocol": string(p)},
			func() float64 { return float64(c.gate.InFlight(p)) }); err != nil {
			return fmt.Errorf("register gate gauge: %w", err)
		}
	}
	return nil
}

// operation is one façade call.
type operation struct {
	name string
	ep   Endpoint
	path string

	// canRetry reports whether a second attempt is safe once the first has
	// failed; streaming calls say no after bytes reached the caller.
	canRetry func() bool

	fn func(ctx context.Context, conn transport.Conn) error
}

// do runs op and records it. bytes, when set, is read after the run.
func (c *Client) do(ctx context.Context, op operation, bytes *int64) error {
	start := c.now()
	err := c.run(ctx, op)
	var n int64
	if bytes != nil {
		n = *bytes
	}
	c.metrics.RecordOperation(op.name, c.now().Sub(start), n, cancelAsError(err))
	return err
}

func cancelAsError(err error) error {
	if err != nil && (stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded)) {
		if _, ok := err.(*errors.Error); !ok {
			return errors.NewError(errors.ErrCodeCancelled, "operation cancelled").WithCause(err)
		}
	}
	return err
}

// run is the contract every operation follows: permit, preflight,
// credentials, pooled connection, and a single retry on a fresh connection
// for transport failures.
func (c *Client) run(ctx context.Context, op operation) error {
	if c.closed.Load() {
		return c.fail(op, errors.NewError(errors.ErrCodeInvalidArgument, "client is closed"))
	}
	cell, ok := c.cells[op.ep.Protocol]
	if !ok {
		return c.fail(op, errors.NewError(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("no transport registered for protocol %q", op.ep.Protocol)))
	}
	if op.ep.Server == "" {
		return c.fail(op, errors.NewError(errors.ErrCodeInvalidArgument, "server is required"))
	}

	release, err := c.gate.Acquire(ctx, op.ep.Protocol)
	if err != nil {
		return c.cancelled(ctx, err)
	}
	defer release()

	c.apply(c.tracker.Preflight())

	creds, err := c.lookup(ctx, op.ep)
	if err != nil {
		if errors.IsCancellation(ctx, err) {
			return c.cancelled(ctx, err)
		}
		return c.fail(op, err)
	}
	key := op.ep.key(creds)

	var lastErr *errors.Error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			c.metrics.RecordRetry(op.name)
			c.logger.Debug("retrying on a fresh connection", "op", op.name, "endpoint", op.ep.String(),
				"error", lastErr.Error())
		}

		lease, err := c.pool.Acquire(ctx, key, c.connector(cell, op.ep, creds))
		if err != nil {
			if errors.IsCancellation(ctx, err) {
				return c.cancelled(ctx, err)
			}
			lastErr = c.fail(op, err)
			if lastErr.Code == errors.ErrCodeNotFound && lastErr.Context["kind"] == "" {
				lastErr.WithContext("kind", "share")
			}
			c.observe(lastErr, true)
			c.reporter.Report(op.ep.Protocol, op.ep.Resource(), lastErr)
			if lastErr.Code == errors.ErrCodeAuthenticationFailed {
				c.forget(op.ep)
			}
			if !retriable(lastErr) {
				return lastErr
			}
			continue
		}

		err = op.fn(ctx, lease.Conn)
		if err == nil {
			lease.Done()
			c.observe(nil, false)
			c.reporter.Report(op.ep.Protocol, op.ep.Resource(), nil)
			return nil
		}
		if errors.IsCancellation(ctx, err) {
			// routine; the session is still good
			lease.Release()
			return c.cancelled(ctx, err)
		}

		if isLocal(err) {
			lease.Done()
			return c.fail(op, err)
		}

		lastErr = c.fail(op, err)
		switch {
		case retriable(lastErr):
			lease.Discard()
		case lastErr.Code == errors.ErrCodeUnknown:
			lease.Discard()
		default:
			lease.Done()
		}
		c.observe(lastErr, lease.Fresh)
		c.reporter.Report(op.ep.Protocol, op.ep.Resource(), lastErr)

		if !retriable(lastErr) || (op.canRetry != nil && !op.canRetry()) {
			return lastErr
		}
	}
	return lastErr
}

func retriable(err *errors.Error) bool {
	switch err.Code {
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset, errors.ErrCodeCriticalTransport:
		return true
	}
	return false
}

func (c *Client) connector(cell *transport.Cell, ep Endpoint, creds transport.Credentials) pool.Connector {
	return func(ctx context.Context) (transport.Conn, error) {
		degraded := c.useDegraded(ep)
		d, err := cell.Get(degraded)
		if err != nil {
			return nil, err
		}
		conn, err := d.Dial(ctx, ep.key(creds), creds)
		if !errors.IsCancellation(ctx, err) {
			c.metrics.RecordConnect(d.Profile().Name, err)
		}
		if err == nil {
			c.logger.Debug("connected", "endpoint", ep.String(), "profile", d.Profile().Name)
		}
		return conn, err
	}
}

// useDegraded picks the patient timeout profile for a fresh connect.
func (c *Client) useDegraded(ep Endpoint) bool {
	if c.signal.IsDegraded(ep.Protocol, ep.Resource()) {
		return true
	}
	return c.config.Client.DegradeOnWarning && c.tracker.State() == health.StateWarning
}

func (c *Client) lookup(ctx context.Context, ep Endpoint) (transport.Credentials, error) {
	if c.creds == nil {
		return transport.Credentials{}, nil
	}
	creds, err := c.creds.Lookup(ctx, ep.Server, ep.Share)
	if stderr.Is(err, credentials.ErrNotFound) && ep.Share != "" {
		// server-wide credentials
		creds, err = c.creds.Lookup(ctx, ep.Server, "")
	}
	if stderr.Is(err, credentials.ErrNotFound) {
		return creds, errors.NewError(errors.ErrCodeCredentialsMissing,
			fmt.Sprintf("no credentials for %s", ep.Resource())).WithCause(err)
	}
	return creds, err
}

func (c *Client) forget(ep Endpoint) {
	if f, ok := c.creds.(credentials.Forgetter); ok {
		f.Forget(ep.Server, ep.Share)
		f.Forget(ep.Server, "")
	}
}

func (c *Client) observe(err error, fresh bool) {
	c.apply(c.tracker.ObserveError(err, fresh))
}

// apply performs the side effects a health transition asked for.
func (c *Client) apply(actions []health.Action, reason health.Reason) {
	if health.HasAction(actions, health.ActionEvictAll) {
		n := c.pool.EvictAll()
		c.logger.Warn("pool reset", "reason", string(reason), "evicted", n)
	}
	if health.HasAction(actions, health.ActionResetClients) {
		c.resetCells()
	}
	if reason != health.ReasonNone {
		c.metrics.RecordEscalation(string(reason))
	}
	c.metrics.SetHealth(int(c.tracker.State()), c.tracker.Failures())
}

func (c *Client) resetCells() {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	for _, cell := range c.cells {
		cell.Reset()
	}
}

// fail converts err into the façade's classified error. A fresh value is
// built so errors owned by a transport are never mutated.
func (c *Client) fail(op operation, err error) *errors.Error {
	ce := errors.Classify(err)
	if isLocal(err) {
		ce = errors.NewError(errors.ErrCodeUnknown, "local stream failed: "+err.Error()).WithContext("side", "local")
	}
	out := errors.NewError(ce.Code, ce.Message).
		WithComponent("client").
		WithOperation(op.name).
		WithCause(err)
	for k, v := range ce.Context {
		out.WithContext(k, v)
	}
	if op.ep.Server != "" {
		out.WithContext("endpoint", op.ep.String())
	}
	if op.path != "" {
		out.WithContext("path", op.path)
	}
	c.logger.Debug("operation failed", "op", op.name, "endpoint", op.ep.String(), "path", op.path,
		"code", string(out.Code), "error", err)
	return out
}

// cancelled returns the caller's context error so cancellation is never
// reported as a classified failure.
func (c *Client) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// ForceFullReset evicts every pooled session, rebuilds the transport
// clients and clears the failure counter and breakers.
func (c *Client) ForceFullReset() {
	n := c.pool.EvictAll()
	c.resetCells()
	c.tracker.Reset()
	c.breakers.ResetAll()
	c.metrics.RecordEscalation(string(health.ReasonManual))
	c.metrics.SetHealth(int(c.tracker.State()), c.tracker.Failures())
	c.logger.Warn("full reset requested", "evicted", n)
}

// ResetClients rebuilds the transport clients. Pooled sessions are kept.
func (c *Client) ResetClients() {
	c.resetCells()
	c.logger.Info("transport clients reset")
}

// Close stops the janitor and closes every pooled session. It waits for the
// closes to finish.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pool.Close()
	c.resetCells()
	return err
}

// GateStats describes one protocol lane.
type GateStats struct {
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
	Peak     int64 `json:"peak"`
	Ceiling  int64 `json:"ceiling"`
}

// HealthStats is the tracker's view.
type HealthStats struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"last_success"`
	Escalations int64     `json:"escalations"`
}

// Stats is a point-in-time snapshot of the client.
type Stats struct {
	Pool      pool.Stats                       `json:"pool"`
	Gate      map[transport.Protocol]GateStats `json:"gate"`
	Health    HealthStats                      `json:"health"`
	Endpoints map[string]string                `json:"endpoints"`
	Clients   map[transport.Protocol]uint64    `json:"client_generations"`
	Buffers   buffer.PoolStats                 `json:"buffers"`
}

// Stats returns a snapshot for diagnostics.
func (c *Client) Stats() Stats {
	st := Stats{
		Pool: c.pool.Stats(),
		Gate: make(map[transport.Protocol]GateStats, len(c.cells)),
		Health: HealthStats{
			State:       c.tracker.State().String(),
			Failures:    c.tracker.Failures(),
			LastSuccess: c.tracker.LastSuccess(),
			Escalations: c.tracker.Escalations(),
		},
		Endpoints: make(map[string]string),
		Clients:   make(map[transport.Protocol]uint64, len(c.cells)),
		Buffers:   c.buffers.Stats(),
	}
	for p, cell := range c.cells {
		st.Gate[p] = GateStats{
			InFlight: c.gate.InFlight(p),
			Waiting:  c.gate.Waiting(p),
			Peak:     c.gate.Peak(p),
			Ceiling:  c.gate.Ceiling(p),
		}
		st.Clients[p] = cell.Generation()
	}
	for name, state := range c.breakers.Stats() {
		st.Endpoints[name] = state.String()
	}
	return st
}

// Tracker exposes the health tracker so callers can subscribe to state changes.
func (c *Client) Tracker() *health.Tracker {
	return c.tracker
}

// Pool exposes the connection pool, mainly for diagnostics.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}
