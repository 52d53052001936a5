package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharepool/sharepool/pkg/errors"
)

// Collector exports client activity as Prometheus metrics
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	connectCounter    *prometheus.CounterVec
	escalationCounter *prometheus.CounterVec
	retryCounter      *prometheus.CounterVec
	healthState       prometheus.Gauge
	healthFailures    prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Port      int               `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Path      string            `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Subsystem string            `yaml:"subsystem" json:"subsystem"`
}

// DefaultConfig returns the default metrics configuration. The HTTP endpoint
// is only served when Start is called.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "sharepool",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    int64         `json:"total_bytes"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     slog.Default().With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled && c.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.path(), promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

func (c *Collector) path() string {
	if c.config.Path == "" {
		return "/metrics"
	}
	return c.config.Path
}

// Start serves the metrics endpoint until Stop is called
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one façade call. bytes is the payload transferred, if any.
func (c *Collector) RecordOperation(operation string, duration time.Duration, bytes int64, err error) {
	if !c.enabled() {
		return
	}

	status := "success"
	switch {
	case err == nil:
	case errors.CodeOf(err) == errors.ErrCodeCancelled:
		status = "cancelled"
	default:
		status = "error"
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalBytes += bytes
	if status == "error" {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if status == "error" {
		c.errorCounter.With(prometheus.Labels{
			"operation": operation,
			"code":      string(errors.CodeOf(err)),
		}).Inc()
	}
}

// RecordBytes counts transferred payload bytes. direction is "read" or "write".
func (c *Collector) RecordBytes(direction string, n int64) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.bytesCounter.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}

// RecordConnect counts a fresh session establishment with the given profile.
func (c *Collector) RecordConnect(profile string, err error) {
	if !c.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.connectCounter.With(prometheus.Labels{"profile": profile, "status": status}).Inc()
}

// RecordRetry counts an internal retry on a fresh connection.
func (c *Collector) RecordRetry(operation string) {
	if !c.enabled() {
		return
	}
	c.retryCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordEscalation counts a full pool reset.
func (c *Collector) RecordEscalation(reason string) {
	if !c.enabled() {
		return
	}
	c.escalationCounter.With(prometheus.Labels{"reason": reason}).Inc()
}

// SetHealth publishes the tracker tier (0 healthy, 1 warning, 2 critical) and counter.
func (c *Collector) SetHealth(state int, failures int) {
	if !c.enabled() {
		return
	}
	c.healthState.Set(float64(state))
	c.healthFailures.Set(float64(failures))
}

// RegisterGauge exports a value sampled at scrape time.
func (c *Collector) RegisterGauge(name, help string, labels prometheus.Labels, fn func() float64) error {
	if !c.enabled() {
		return nil
	}
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// GetMetrics returns a copy of the per-operation summaries
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation summaries. Prometheus counters are untouched.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) (string, string, string, string, prometheus.Labels) {
		return c.config.Namespace, c.config.Subsystem, name, help, c.config.Labels
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		ns, sub, n, h, constLabels := opts(name, help)
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: n, Help: h, ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		ns, sub, n, h, constLabels := opts(name, help)
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: n, Help: h, ConstLabels: constLabels,
		})
	}

	c.operationCounter = counter("operations_total", "Total number of client operations", "operation", "status")
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of client operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)
	c.bytesCounter = counter("bytes_total", "Payload bytes transferred", "direction")
	c.errorCounter = counter("errors_total", "Failed operations by error code", "operation", "code")
	c.connectCounter = counter("connects_total", "Fresh session establishments", "profile", "status")
	c.retryCounter = counter("retries_total", "Retries on a fresh connection", "operation")
	c.escalationCounter = counter("escalations_total", "Full connection resets", "reason")
	c.healthState = gauge("health_state", "Health tier: 0 healthy, 1 warning, 2 critical")
	c.healthFailures = gauge("health_failures", "Consecutive transport failures")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.bytesCounter,
		c.errorCounter,
		c.connectCounter,
		c.retryCounter,
		c.escalationCounter,
		c.healthState,
		c.healthFailures,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"sharepool-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetMetrics()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %12s %14s\n", "Operation", "Count", "Errors", "Avg Duration", "Bytes")
	for name, op := range ops {
		writef("%-20s %10d %10d %12v %14d\n", name, op.Count, op.Errors, op.AvgDuration, op.TotalBytes)
	}
}
