package observability

import (
	"fmt"
	"math"
	"strings"
)

// Config groups the node's logging, metrics and tracing settings.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" env:"AVS_LOG_LEVEL" default:"info"`   // debug, info, warn, error
	Format string `yaml:"format" env:"AVS_LOG_FORMAT" default:"text"` // json, text
}

// DefaultConfig mirrors the tag defaults; used when no config is loaded.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			Exporter:       ExporterOTLP,
			OTLPEndpoint:   defaultOTLPEndpoint,
			SampleRate:     1.0,
			ServiceName:    instrumentationName,
			ServiceVersion: "dev",
		},
	}
}

// Validate returns one message per unusable setting.
func (c Config) Validate() []string {
	var problems []string
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("observability.logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("observability.logging.format %q unknown", c.Logging.Format))
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "", ExporterOTLP, ExporterZipkin:
		default:
			problems = append(problems, fmt.Sprintf("observability.tracing.exporter %q unsupported", c.Tracing.Exporter))
		}
		if r := c.Tracing.SampleRate; math.IsNaN(r) || r < 0 || r > 1 {
			problems = append(problems, "observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return problems
}
