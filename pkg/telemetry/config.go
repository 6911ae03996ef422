package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Config configures every telemetry component of the process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr, discard or a file path.
	Output string

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string

	EnableCaller bool

	// Sampling lets SamplingInitial messages through per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. With none spans are sampled but
	// never exported.
	Exporter string

	// Endpoint is the OTLP collector address, e.g. localhost:4317.
	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP. Empty keeps metrics in-process.
	ListenAddress string
	Path          string

	Namespace string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers events from a background goroutine in batches.
	// Subscribers of a synchronous publisher run on the publishing goroutine.
	EnableAsync   bool
	BufferSize    int
	MaxBatchSize  int
	FlushInterval time.Duration
}

// DefaultConfig logs info to stderr, keeps metrics in-process and disables
// tracing. Events are delivered synchronously so transfer history is written
// before a command returns.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "xfer",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			TimeFormat:         "rfc3339",
			SamplingInitial:    100,
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "xfer",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			MaxBatchSize:  100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(err error) { result = multierror.Append(result, err) }

	if c.ServiceName == "" {
		add(errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		add(errors.New("service version is required"))
	}

	if level, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" || level > zerolog.FatalLevel {
		add(fmt.Errorf("invalid log level: %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		add(fmt.Errorf("invalid log format: %q (must be 'console' or 'json')", c.Logging.Format))
	}
	if c.Logging.TimeFormat != "" {
		if _, ok := timeFieldFormats[c.Logging.TimeFormat]; !ok {
			add(fmt.Errorf("invalid log time format: %q", c.Logging.TimeFormat))
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			add(fmt.Errorf("invalid trace exporter: %q", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add(fmt.Errorf("trace sampling rate must be between 0 and 1, got: %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "" {
		add(errors.New("metrics path is required when the metrics endpoint is enabled"))
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		add(fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize))
	}

	return result.ErrorOrNil()
}
