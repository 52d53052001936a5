/*
Package metrics exports sharepool client activity to Prometheus.

# Overview

A Collector owns a private prometheus.Registry. The client records every
façade call, every fresh session and every escalation; the pool and the
admission gate are sampled at scrape time through gauge functions.

	┌─────────────┐      RecordOperation / RecordConnect / RecordEscalation
	│   client    │ ──────────────────────────────────────────┐
	└─────────────┘                                           │
	                                                 ┌────────▼────────┐
	┌─────────────┐      RegisterGauge (GaugeFunc)   │    Collector    │
	│ pool, gate  │ ───────────────────────────────► │    Registry     │
	└─────────────┘                                  └────────┬────────┘
	                                                          │ promhttp
	                                                 /metrics, /health,
	                                                 /debug/operations

# Exported series

	sharepool_operations_total{operation,status}
	sharepool_operation_duration_seconds{operation}
	sharepool_errors_total{operation,code}
	sharepool_bytes_total{direction}
	sharepool_connects_total{profile,status}
	sharepool_retries_total{operation}
	sharepool_escalations_total{reason}
	sharepool_health_state
	sharepool_health_failures
	sharepool_pool_connections
	sharepool_gate_in_flight{protocol}

Cancelled operations are counted with status="cancelled" and never as errors.

# Usage

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

A nil or disabled Collector accepts every Record call and does nothing.
*/
package metrics
