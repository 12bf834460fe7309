// Package config holds the single immutable run configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Default values. Every recognised option has one.
const (
	DefaultMaxMemory          = "512MiB"
	DefaultMaxMemoryBytes     = 512 << 20
	DefaultChunkSizeOverride  = 0
	DefaultEscalationEnabled  = true
	DefaultResume             = true
	DefaultCheckpointInterval = 1

	DefaultCheckpointBackend    = BackendFile
	DefaultCheckpointDir        = ".docstream/checkpoints"
	DefaultCheckpointCollection = "docstream-checkpoints"
	DefaultCheckpointHashID     = false

	DefaultComplexityThreshold = 85.0
	DefaultMinTextChars        = 10
	DefaultRenderDPI           = 150.0
	DefaultTargetRatio         = 0.01

	DefaultVisionRegion  = "us-central1"
	DefaultVisionModel   = "gemini-1.5-pro"
	DefaultVisionTimeout = 60 * time.Second

	DefaultOCRTimeout   = 120 * time.Second
	DefaultOCRRate      = 2.0
	DefaultOCRBurst     = 1
	DefaultBatchWorkers = 2
)

// Checkpoint backends.
const (
	BackendNone      = "none"
	BackendFile      = "file"
	BackendBolt      = "bolt"
	BackendGCS       = "gcs"
	BackendFirestore = "firestore"
)

// Config is the flat set of run options. Field tags use mapstructure for
// viper unmarshalling. Treat a loaded Config as read-only.
type Config struct {
	MaxMemory          string `mapstructure:"max_memory"`
	ChunkSizeOverride  int    `mapstructure:"chunk_size_override"`
	EscalationEnabled  bool   `mapstructure:"escalation_enabled"`
	Resume             bool   `mapstructure:"resume"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
	Password           string `mapstructure:"password"`
	MetricsAddr        string `mapstructure:"metrics_addr"`

	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Vision     VisionConfig     `mapstructure:"vision"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Batch      BatchConfig      `mapstructure:"batch"`

	// MaxMemoryBytes is MaxMemory parsed by Validate.
	MaxMemoryBytes int64 `mapstructure:"-"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	Bucket       string `mapstructure:"bucket"`
	Collection   string `mapstructure:"collection"`
	ProjectID    string `mapstructure:"project_id"`
	Database     string `mapstructure:"database"`
	HashIdentity bool   `mapstructure:"hash_identity"`
}

// EscalationConfig tunes the escalation predicate.
type EscalationConfig struct {
	ComplexityThreshold float64 `mapstructure:"complexity_threshold"`
	MinTextChars        int     `mapstructure:"min_text_chars"`
	RenderDPI           float64 `mapstructure:"render_dpi"`
	TargetRatio         float64 `mapstructure:"target_ratio"`
}

// VisionConfig configures the AI-vision tier. An empty ProjectID disables it.
type VisionConfig struct {
	ProjectID string        `mapstructure:"project_id"`
	Region    string        `mapstructure:"region"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OCRConfig configures the last-resort tier. An empty Endpoint disables it.
type OCRConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// BatchConfig configures multi-document mode.
type BatchConfig struct {
	Workers int `mapstructure:"workers"`
}

// Default returns a configuration holding only defaults.
func Default() Config {
	return Config{
		MaxMemory:          DefaultMaxMemory,
		MaxMemoryBytes:     DefaultMaxMemoryBytes,
		ChunkSizeOverride:  DefaultChunkSizeOverride,
		EscalationEnabled:  DefaultEscalationEnabled,
		Resume:             DefaultResume,
		CheckpointInterval: DefaultCheckpointInterval,
		Checkpoint: CheckpointConfig{
			Backend:      DefaultCheckpointBackend,
			Dir:          DefaultCheckpointDir,
			Collection:   DefaultCheckpointCollection,
			HashIdentity: DefaultCheckpointHashID,
		},
		Escalation: EscalationConfig{
			ComplexityThreshold: DefaultComplexityThreshold,
			MinTextChars:        DefaultMinTextChars,
			RenderDPI:           DefaultRenderDPI,
			TargetRatio:         DefaultTargetRatio,
		},
		Vision: VisionConfig{
			Region:  DefaultVisionRegion,
			Model:   DefaultVisionModel,
			Timeout: DefaultVisionTimeout,
		},
		OCR: OCRConfig{
			Timeout:       DefaultOCRTimeout,
			RatePerSecond: DefaultOCRRate,
			Burst:         DefaultOCRBurst,
		},
		Batch: BatchConfig{Workers: DefaultBatchWorkers},
	}
}

var (
	errNonPositiveInterval = errors.New("checkpoint_interval must be at least 1")
	errNegativeOverride    = errors.New("chunk_size_override must not be negative")
	errThresholdRange      = errors.New("escalation.complexity_threshold must be within [0,100]")
	errNonPositiveDPI      = errors.New("escalation.render_dpi must be positive")
	errNonPositiveWorkers  = errors.New("batch.workers must be at least 1")
	errNonPositiveTimeout  = errors.New("fallback timeouts must be positive")
)

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	budget, err := parseBudget(c.MaxMemory)
	if err != nil {
		return err
	}
	c.MaxMemoryBytes = budget

	if c.CheckpointInterval < 1 {
		return errNonPositiveInterval
	}
	if c.ChunkSizeOverride < 0 {
		return errNegativeOverride
	}
	if c.Escalation.ComplexityThreshold < 0 || c.Escalation.ComplexityThreshold > 100 {
		return errThresholdRange
	}
	if c.Escalation.RenderDPI <= 0 {
		return errNonPositiveDPI
	}
	if c.Batch.Workers < 1 {
		return errNonPositiveWorkers
	}
	if c.Vision.Timeout <= 0 || c.OCR.Timeout <= 0 {
		return errNonPositiveTimeout
	}

	switch c.Checkpoint.Backend {
	case BackendNone:
	case BackendFile, BackendBolt:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir is required for the %s backend", c.Checkpoint.Backend)
		}
	case BackendGCS:
		if c.Checkpoint.Bucket == "" {
			return fmt.Errorf("checkpoint.bucket is required for the gcs backend")
		}
	case BackendFirestore:
		if c.Checkpoint.ProjectID == "" {
			return fmt.Errorf("checkpoint.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}

func parseBudget(s string) (int64, error) {
	budget, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid max_memory %q: %w", s, err)
	}
	if budget == 0 {
		return 0, fmt.Errorf("max_memory must be positive")
	}
	return int64(budget), nil
}

// WorkerBudget divides the memory budget statically across batch workers.
func (c Config) WorkerBudget() int64 {
	workers := int64(c.Batch.Workers)
	if workers < 1 {
		workers = 1
	}
	return c.MaxMemoryBytes / workers
}
