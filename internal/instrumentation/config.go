package instrumentation

import (
	"fmt"
	"os"
	"strconv"
)

// Exporter selectors.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// Metric label values shared across recorders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config selects the telemetry exporters and identifies the service.
// Every field has an environment override so deployments can reconfigure
// telemetry without a rebuild.
type Config struct {
	// ServiceName identifies this service in exported telemetry
	// (OTEL_SERVICE_NAME, default "agentgate").
	ServiceName string

	// ServiceVersion is stamped on the resource; set from the build version.
	ServiceVersion string

	// ServiceInstanceID distinguishes replicas
	// (OTEL_SERVICE_INSTANCE_ID, default hostname).
	ServiceInstanceID string

	// Enabled turns all metrics and tracing off when false
	// (INSTRUMENTATION_ENABLED).
	Enabled bool

	// MetricsExporter is one of prometheus, otlp, stdout
	// (METRICS_EXPORTER, default prometheus).
	MetricsExporter string

	// TracingExporter is one of otlp, stdout, none
	// (TRACING_EXPORTER, default none).
	TracingExporter string

	// OTLPEndpoint is the collector host:port without a scheme
	// (OTEL_EXPORTER_OTLP_ENDPOINT). Required for either otlp exporter.
	OTLPEndpoint string

	// OTLPInsecure switches OTLP export to plain HTTP
	// (OTEL_EXPORTER_OTLP_INSECURE). Traces carry session and application
	// ids; never enable this outside local development.
	OTLPInsecure bool

	// TraceSamplingRate is the head-sampling ratio in [0,1]
	// (OTEL_TRACES_SAMPLER_ARG, default 0.1).
	TraceSamplingRate float64

	// PrometheusEndpoint is the scrape path on the metrics server
	// (PROMETHEUS_ENDPOINT, default /metrics).
	PrometheusEndpoint string

	// AuditLogging configures the authentication audit trail.
	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the audit trail of authentication events.
type AuditLoggingConfig struct {
	// Enabled turns audit logging on (AUDIT_LOGGING_ENABLED, default true).
	Enabled bool

	// IncludePII logs full email addresses instead of anonymized hashes
	// (AUDIT_LOGGING_INCLUDE_PII, default false). Only enable when the log
	// sink is access-controlled.
	IncludePII bool
}

// DefaultConfig builds a Config from the environment with secure defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:        envString("OTEL_SERVICE_NAME", "agentgate"),
		ServiceVersion:     "unknown",
		ServiceInstanceID:  envString("OTEL_SERVICE_INSTANCE_ID", ""),
		Enabled:            envBool("INSTRUMENTATION_ENABLED", true),
		MetricsExporter:    envString("METRICS_EXPORTER", ExporterPrometheus),
		TracingExporter:    envString("TRACING_EXPORTER", ExporterNone),
		OTLPEndpoint:       envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSamplingRate:  envFloat("OTEL_TRACES_SAMPLER_ARG", 0.1),
		PrometheusEndpoint: envString("PROMETHEUS_ENDPOINT", "/metrics"),
		AuditLogging: AuditLoggingConfig{
			Enabled:    envBool("AUDIT_LOGGING_ENABLED", true),
			IncludePII: envBool("AUDIT_LOGGING_INCLUDE_PII", false),
		},
	}
}

// Validate rejects exporter selections the provider cannot honor.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterStdout:
	case ExporterOTLP:
		if c.OTLPEndpoint == "" {
			return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
		}
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	switch c.TracingExporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.OTLPEndpoint == "" {
			return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
		}
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
