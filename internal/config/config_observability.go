package config

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/audit"
)

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`

	// RedactPatterns are extra regular expressions whose matches are masked.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures OTLP trace export. Tracing is off without an
// endpoint.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

func applyObservabilityDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "conductor"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	d := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = d.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = d.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = d.Output
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = d.MaxFieldSize
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = d.BufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = d.FlushInterval
	}
}

func (c *Config) validateObservability() []string {
	var issues []string
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		issues = append(issues, "metrics.path must start with /")
	}
	return issues
}
