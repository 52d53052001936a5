/*
Package config loads and validates sharepool client configuration.

# Sources

Configuration is layered, later sources overriding earlier ones:

	defaults (NewDefault) → YAML file (LoadFromFile) → SHAREPOOL_* environment (LoadFromEnv) → CLI flags

# Sections

	global     log level, format and optional rotated log file
	metrics    Prometheus collector and /metrics endpoint
	pool       idle staleness threshold, janitor interval, background closer sizing
	gate       per-protocol admission ceilings
	health     warning/critical thresholds and idle-recovery window
	timeouts   normal and degraded dialer profiles
	retry      connectivity-test retry policy
	breaker    per-endpoint breaker that selects the degraded profile
	shares     best-effort share-name probing
	client     façade switches

# Example

	global:
	  log_level: INFO
	  log_format: text
	pool:
	  idle_timeout: 30s
	gate:
	  ceilings:
	    smb: 16
	health:
	  warning_threshold: 3
	  critical_threshold: 5
	  idle_recovery_window: 1m
	timeouts:
	  normal:
	    connect_timeout: 5s
	    read_timeout: 15s
	  degraded:
	    connect_timeout: 20s
	    read_timeout: 60s

# Validation

Validate applies the validator/v10 struct tags declared on each section and
then the rules that span sections: the warning threshold must be below the
critical threshold, degraded timeouts may not be shorter than normal ones, and
an external admission ceiling may not exceed the gate's own SMB ceiling.

# Environment variables

	SHAREPOOL_LOG_LEVEL, SHAREPOOL_LOG_FORMAT, SHAREPOOL_LOG_FILE
	SHAREPOOL_METRICS_ENABLED, SHAREPOOL_METRICS_PORT
	SHAREPOOL_POOL_IDLE_TIMEOUT, SHAREPOOL_POOL_JANITOR_INTERVAL
	SHAREPOOL_GATE_{SMB,SFTP,FTP,S3}_CEILING
	SHAREPOOL_HEALTH_WARNING_THRESHOLD, SHAREPOOL_HEALTH_CRITICAL_THRESHOLD,
	SHAREPOOL_HEALTH_IDLE_RECOVERY_WINDOW
	SHAREPOOL_CONNECT_TIMEOUT, SHAREPOOL_READ_TIMEOUT,
	SHAREPOOL_DEGRADED_CONNECT_TIMEOUT, SHAREPOOL_DEGRADED_READ_TIMEOUT
	SHAREPOOL_RETRY_MAX_ATTEMPTS
	SHAREPOOL_PROBE_COMMON_SHARES, SHAREPOOL_DEGRADE_ON_WARNING,
	SHAREPOOL_EXTERNAL_ADMISSION_CEILING

Unparseable values are reported together and leave the previous value in place.
*/
package config
