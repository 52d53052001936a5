package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/sharepool/sharepool/internal/degrade"
	"github.com/sharepool/sharepool/internal/gate"
	"github.com/sharepool/sharepool/internal/logging"
	"github.com/sharepool/sharepool/internal/metrics"
	"github.com/sharepool/sharepool/internal/pool"
	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/internal/transport/s3"
	"github.com/sharepool/sharepool/pkg/health"
	"github.com/sharepool/sharepool/pkg/retry"
)

// Configuration represents the complete client configuration
type Configuration struct {
	Global   logging.Config        `yaml:"global"`
	Metrics  metrics.Config        `yaml:"metrics"`
	Pool     pool.Config           `yaml:"pool"`
	Gate     gate.Config           `yaml:"gate"`
	Health   health.Config         `yaml:"health"`
	Timeouts TimeoutConfig         `yaml:"timeouts"`
	Retry    retry.Config          `yaml:"retry"`
	Breaker  degrade.BreakerConfig `yaml:"breaker"`
	Shares   SharesConfig          `yaml:"shares"`
	Client   ClientConfig          `yaml:"client"`
	S3       s3.Config             `yaml:"s3"`
}

// TimeoutConfig holds the two dialer profiles
type TimeoutConfig struct {
	Normal   transport.Profile `yaml:"normal"`
	Degraded transport.Profile `yaml:"degraded"`
}

// SharesConfig controls share enumeration
type SharesConfig struct {
	// ProbeCommonNames falls back to mounting well-known share names when the
	// server refuses protocol-level enumeration. Best effort only.
	ProbeCommonNames bool     `yaml:"probe_common_names"`
	CommonNames      []string `yaml:"common_names" validate:"dive,required"`
}

// ClientConfig represents façade behaviour
type ClientConfig struct {
	// DegradeOnWarning switches fresh connects to the degraded profile while
	// the health tracker is in the warning tier
	DegradeOnWarning bool `yaml:"degrade_on_warning"`

	// ExternalAdmissionCeiling is the ceiling callers apply before high-priority
	// transfers; zero means none. It must not exceed the gate's own ceiling.
	ExternalAdmissionCeiling int64 `yaml:"external_admission_ceiling" validate:"gte=0"`

	// WriteProbePrefix names the temp file created by CheckWritable
	WriteProbePrefix string `yaml:"write_probe_prefix" validate:"required,excludesall=/\\"`

	// CopyBufferSize is the chunk size used when streaming reads and writes
	CopyBufferSize int `yaml:"copy_buffer_size" validate:"gte=4096,lte=16777216"`
}

// DefaultCommonShareNames are probed when enumeration is unavailable.
var DefaultCommonShareNames = []string{
	"Public", "Shared", "Share", "Media", "Multimedia", "Videos", "Movies", "Music",
	"Photos", "Pictures", "Documents", "Downloads", "Data", "Backup", "Users", "home", "homes",
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global:  logging.DefaultConfig(),
		Metrics: *metrics.DefaultConfig(),
		Pool:    pool.DefaultConfig(),
		Gate:    gate.DefaultConfig(),
		Health:  health.DefaultConfig(),
		Timeouts: TimeoutConfig{
			Normal: transport.Profile{
				Name:           transport.ProfileNormal,
				ConnectTimeout: 5 * time.Second,
				ReadTimeout:    15 * time.Second,
			},
			Degraded: transport.Profile{
				Name:           transport.ProfileDegraded,
				ConnectTimeout: 20 * time.Second,
				ReadTimeout:    60 * time.Second,
			},
		},
		Retry:   retry.DefaultConfig(),
		Breaker: degrade.DefaultBreakerConfig(),
		Shares: SharesConfig{
			ProbeCommonNames: false,
			CommonNames:      append([]string(nil), DefaultCommonShareNames...),
		},
		Client: ClientConfig{
			DegradeOnWarning:         true,
			ExternalAdmissionCeiling: 0,
			WriteProbePrefix:         ".sharepool_write_test_",
			CopyBufferSize:           256 << 10,
		},
		S3: s3.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

type envParser struct {
	errs []string
}

func (p *envParser) str(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func (p *envParser) boolean(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			p.errs = append(p.errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = b
	}
}

func (p *envParser) integer(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			p.errs = append(p.errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) int64(name string, dst *int64) {
	if val := os.Getenv(name); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) duration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			p.errs = append(p.errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = d
	}
}

// LoadFromEnv loads configuration from SHAREPOOL_* environment variables
func (c *Configuration) LoadFromEnv() error {
	p := &envParser{}

	// Global settings
	p.str("SHAREPOOL_LOG_LEVEL", &c.Global.Level)
	p.str("SHAREPOOL_LOG_FORMAT", &c.Global.Format)
	p.str("SHAREPOOL_LOG_FILE", &c.Global.File)

	// Metrics
	p.boolean("SHAREPOOL_METRICS_ENABLED", &c.Metrics.Enabled)
	p.integer("SHAREPOOL_METRICS_PORT", &c.Metrics.Port)

	// Pool and gate
	p.duration("SHAREPOOL_POOL_IDLE_TIMEOUT", &c.Pool.IdleTimeout)
	p.duration("SHAREPOOL_POOL_JANITOR_INTERVAL", &c.Pool.JanitorInterval)
	for _, proto := range []transport.Protocol{transport.ProtocolSMB, transport.ProtocolSFTP, transport.ProtocolFTP, transport.ProtocolS3} {
		name := "SHAREPOOL_GATE_" + strings.ToUpper(string(proto)) + "_CEILING"
		if os.Getenv(name) == "" {
			continue
		}
		var n int64
		p.int64(name, &n)
		if c.Gate.Ceilings == nil {
			c.Gate.Ceilings = make(map[transport.Protocol]int64)
		}
		c.Gate.Ceilings[proto] = n
	}

	// Health
	p.integer("SHAREPOOL_HEALTH_WARNING_THRESHOLD", &c.Health.WarningThreshold)
	p.integer("SHAREPOOL_HEALTH_CRITICAL_THRESHOLD", &c.Health.CriticalThreshold)
	p.duration("SHAREPOOL_HEALTH_IDLE_RECOVERY_WINDOW", &c.Health.IdleRecoveryWindow)

	// Timeouts
	p.duration("SHAREPOOL_CONNECT_TIMEOUT", &c.Timeouts.Normal.ConnectTimeout)
	p.duration("SHAREPOOL_READ_TIMEOUT", &c.Timeouts.Normal.ReadTimeout)
	p.duration("SHAREPOOL_DEGRADED_CONNECT_TIMEOUT", &c.Timeouts.Degraded.ConnectTimeout)
	p.duration("SHAREPOOL_DEGRADED_READ_TIMEOUT", &c.Timeouts.Degraded.ReadTimeout)

	// Retry
	p.integer("SHAREPOOL_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)

	// Feature flags
	p.boolean("SHAREPOOL_PROBE_COMMON_SHARES", &c.Shares.ProbeCommonNames)
	p.boolean("SHAREPOOL_DEGRADE_ON_WARNING", &c.Client.DegradeOnWarning)
	p.int64("SHAREPOOL_EXTERNAL_ADMISSION_CEILING", &c.Client.ExternalAdmissionCeiling)

	// S3
	p.str("SHAREPOOL_S3_REGION", &c.S3.Region)
	p.str("SHAREPOOL_S3_ENDPOINT", &c.S3.Endpoint)
	p.boolean("SHAREPOOL_S3_FORCE_PATH_STYLE", &c.S3.ForcePathStyle)
	p.boolean("SHAREPOOL_S3_INSECURE", &c.S3.Insecure)
	p.boolean("SHAREPOOL_S3_ENABLE_CARGOSHIP", &c.S3.EnableCargoShip)

	if len(p.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(p.errs, "; "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span sections
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Health.WarningThreshold >= c.Health.CriticalThreshold {
		return fmt.Errorf("health.warning_threshold (%d) must be below health.critical_threshold (%d)",
			c.Health.WarningThreshold, c.Health.CriticalThreshold)
	}

	if c.Timeouts.Degraded.ConnectTimeout < c.Timeouts.Normal.ConnectTimeout ||
		c.Timeouts.Degraded.ReadTimeout < c.Timeouts.Normal.ReadTimeout {
		return fmt.Errorf("degraded timeouts must not be shorter than normal timeouts")
	}

	if c.Client.ExternalAdmissionCeiling > 0 {
		ceiling := c.Gate.DefaultCeiling
		if n, ok := c.Gate.Ceilings[transport.ProtocolSMB]; ok {
			ceiling = n
		}
		if c.Client.ExternalAdmissionCeiling > ceiling {
			return fmt.Errorf("client.external_admission_ceiling (%d) exceeds the smb gate ceiling (%d)",
				c.Client.ExternalAdmissionCeiling, ceiling)
		}
	}

	if c.Pool.JanitorInterval > 0 && c.Pool.JanitorInterval > c.Pool.IdleTimeout*4 {
		return fmt.Errorf("pool.janitor_interval (%v) is too long for pool.idle_timeout (%v)",
			c.Pool.JanitorInterval, c.Pool.IdleTimeout)
	}

	return nil
}
