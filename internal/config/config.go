// Package config defines the scan session configuration model. A Config is
// constructed once at startup, validated, and passed by pointer to the
// components that need it; there is no ambient global configuration state.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// OutputMode selects how accepted findings are forwarded to the output
// collaborator.
type OutputMode string

const (
	// OutputModeIncremental forwards each accepted finding as soon as it is
	// accepted. Suitable for streaming formats.
	OutputModeIncremental OutputMode = "incremental"

	// OutputModeBatched buffers findings and forwards them all at finalize.
	// Suitable for formats that need a complete document.
	OutputModeBatched OutputMode = "batched"
)

// Preset names a worker-pool/throttle profile. Presets only supply defaults;
// explicit values in the config always win.
type Preset string

const (
	PresetLight      Preset = "light"      // half the CPUs, small queue
	PresetBalanced   Preset = "balanced"   // one worker per CPU
	PresetAggressive Preset = "aggressive" // two workers per CPU
)

// EngineConfig enables one detection engine and sets its throttle policy.
type EngineConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Enabled bool   `yaml:"enabled"`

	// MaxConcurrentCalls bounds parallel calls into the engine. Zero means
	// "worker pool width" (effectively unthrottled).
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" validate:"gte=0"`

	Retryable   bool          `yaml:"retryable"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RequestsPerSecond rate-limits calls when > 0 (remote APIs).
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Labels the engine should look for. Empty means the engine's full set.
	Labels []string `yaml:"labels"`

	// Patterns configures the regex engine: label -> expression.
	Patterns map[string]string `yaml:"patterns,omitempty"`

	// Endpoint and APIKeyEnv configure remote model-backed engines.
	Endpoint  string `yaml:"endpoint,omitempty" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Model     string `yaml:"model,omitempty"`
}

// OutputConfig selects the output destination, the forwarding mode, and the
// batched-buffer bound.
type OutputConfig struct {
	Mode OutputMode `yaml:"mode" validate:"omitempty,oneof=incremental batched"`

	// MaxBufferedFindings caps the batched buffer. When the cap is reached
	// the sink degrades to incremental forwarding rather than growing
	// without bound.
	MaxBufferedFindings int `yaml:"max_buffered_findings" validate:"gte=0"`

	// Format selects the destination: jsonl and csv write to Path (or
	// stdout for jsonl when Path is empty), kafka publishes to a topic,
	// postgres persists to a database.
	Format string `yaml:"format" validate:"omitempty,oneof=jsonl csv kafka postgres"`

	// Path is the output file for file-based formats.
	Path string `yaml:"path,omitempty"`

	// Kafka settings, used when Format is kafka.
	Kafka KafkaConfig `yaml:"kafka,omitempty"`

	// PostgresDSN is the connection string, used when Format is postgres.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// KafkaConfig holds broker and topic settings for the kafka output format.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ClientID      string   `yaml:"client_id"`
	FindingsTopic string   `yaml:"findings_topic"`
	SummaryTopic  string   `yaml:"summary_topic"`
}

// Config is the complete scan session configuration.
type Config struct {
	// Root is the directory tree to scan.
	Root string `yaml:"root" validate:"required"`

	Preset Preset `yaml:"preset" validate:"omitempty,oneof=light balanced aggressive"`

	// Workers is the worker-pool size. Zero derives it from the preset and
	// CPU count.
	Workers int `yaml:"workers" validate:"gte=0"`

	// QueueFactor sizes the bounded task queue as QueueFactor * Workers.
	QueueFactor int `yaml:"queue_factor" validate:"gte=0,lte=16"`

	// MaxOutstandingTasks caps queued plus in-flight tasks. Zero derives it
	// from the queue size.
	MaxOutstandingTasks int `yaml:"max_outstanding_tasks" validate:"gte=0"`

	// MaxFileSizeBytes rejects larger files before scheduling.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes" validate:"gte=0"`

	// StopAfterEligible stops enumeration after N eligible files. Zero
	// means no limit. Counted against eligible files only, not every
	// filesystem entry.
	StopAfterEligible int `yaml:"stop_after_eligible" validate:"gte=0"`

	// FileTimeout bounds the whole per-file pipeline (extract + all engines).
	FileTimeout time.Duration `yaml:"file_timeout"`

	// ShutdownGrace bounds how long in-flight tasks may drain after cancel.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ChunkSizeBytes splits larger extracted texts into independent chunk
	// tasks.
	ChunkSizeBytes int `yaml:"chunk_size_bytes" validate:"gte=0"`

	// ErrorPathSample caps sampled paths per error category.
	ErrorPathSample int `yaml:"error_path_sample" validate:"gte=0"`

	// Whitelist drops detections whose matched text contains any of these
	// substrings. Case-sensitive containment, intentionally not regex.
	Whitelist []string `yaml:"whitelist"`

	Output  OutputConfig   `yaml:"output"`
	Engines []EngineConfig `yaml:"engines" validate:"required,min=1,dive"`
}

// Defaults applied by Normalize.
const (
	DefaultQueueFactor      = 4
	DefaultMaxFileSize      = 256 << 20 // 256 MiB
	DefaultChunkSize        = 1 << 20   // 1 MiB
	DefaultFileTimeout      = 5 * time.Minute
	DefaultShutdownGrace    = 10 * time.Second
	DefaultMaxBufferedFinds = 100_000
)

// Normalize fills zero values with preset- and CPU-derived defaults. It is
// idempotent and must run before Validate.
func (c *Config) Normalize() {
	if c.Preset == "" {
		c.Preset = PresetBalanced
	}
	if c.Workers == 0 {
		n := runtime.NumCPU()
		switch c.Preset {
		case PresetLight:
			n = max(1, n/2)
		case PresetAggressive:
			n *= 2
		}
		c.Workers = n
	}
	if c.QueueFactor == 0 {
		c.QueueFactor = DefaultQueueFactor
	}
	if c.MaxOutstandingTasks == 0 {
		c.MaxOutstandingTasks = c.Workers * c.QueueFactor * 2
	}
	if c.MaxFileSizeBytes == 0 {
		c.MaxFileSizeBytes = DefaultMaxFileSize
	}
	if c.ChunkSizeBytes == 0 {
		c.ChunkSizeBytes = DefaultChunkSize
	}
	if c.FileTimeout == 0 {
		c.FileTimeout = DefaultFileTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ErrorPathSample == 0 {
		c.ErrorPathSample = detection.DefaultErrorPathSample
	}
	if c.Output.Mode == "" {
		c.Output.Mode = OutputModeIncremental
	}
	if c.Output.MaxBufferedFindings == 0 {
		c.Output.MaxBufferedFindings = DefaultMaxBufferedFinds
	}
	if c.Output.Format == "" {
		c.Output.Format = "jsonl"
	}
	if c.Output.Kafka.FindingsTopic == "" {
		c.Output.Kafka.FindingsTopic = "scan-findings"
	}
	if c.Output.Kafka.SummaryTopic == "" {
		c.Output.Kafka.SummaryTopic = "scan-error-summaries"
	}
	if c.Output.Kafka.ClientID == "" {
		c.Output.Kafka.ClientID = "sensiscan"
	}

	for i := range c.Engines {
		e := &c.Engines[i]
		if e.MaxConcurrentCalls == 0 {
			e.MaxConcurrentCalls = c.Workers
		}
		if e.Retryable {
			if e.BaseBackoff == 0 {
				e.BaseBackoff = 500 * time.Millisecond
			}
			if e.MaxRetries == 0 {
				e.MaxRetries = 3
			}
		}
		if e.CallTimeout == 0 {
			e.CallTimeout = c.FileTimeout
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration after normalization. Any failure maps to
// the fatal config-invalid category: the session refuses to start rather than
// scanning with a half-understood configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", detection.ErrConfigInvalid, err)
	}

	enabled := 0
	for _, e := range c.Engines {
		if e.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w: no engines enabled", detection.ErrConfigInvalid)
	}
	return nil
}

// Descriptor converts an engine config into its immutable session descriptor.
func (e EngineConfig) Descriptor() detection.EngineDescriptor {
	return detection.EngineDescriptor{
		Name:               e.Name,
		MaxConcurrentCalls: e.MaxConcurrentCalls,
		Retryable:          e.Retryable,
		BaseBackoff:        e.BaseBackoff,
		MaxRetries:         e.MaxRetries,
		CallTimeout:        e.CallTimeout,
		RequestsPerSecond:  e.RequestsPerSecond,
		Labels:             e.Labels,
	}
}
