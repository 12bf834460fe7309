package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configName      = ".docstream"
	configType      = "yaml"
	envPrefix       = "DOCSTREAM"
	envKeySeparator = "_"
)

// Load reads configuration from defaults, an optional config file, a
// .env file and DOCSTREAM_* environment variables, then validates it.
// A missing config file is not an error.
func Load(configPath string) (Config, error) {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("max_memory", DefaultMaxMemory)
	v.SetDefault("chunk_size_override", DefaultChunkSizeOverride)
	v.SetDefault("escalation_enabled", DefaultEscalationEnabled)
	v.SetDefault("resume", DefaultResume)
	v.SetDefault("checkpoint_interval", DefaultCheckpointInterval)
	v.SetDefault("password", "")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("checkpoint.backend", DefaultCheckpointBackend)
	v.SetDefault("checkpoint.dir", DefaultCheckpointDir)
	v.SetDefault("checkpoint.bucket", "")
	v.SetDefault("checkpoint.collection", DefaultCheckpointCollection)
	v.SetDefault("checkpoint.project_id", "")
	v.SetDefault("checkpoint.database", "")
	v.SetDefault("checkpoint.hash_identity", DefaultCheckpointHashID)

	v.SetDefault("escalation.complexity_threshold", DefaultComplexityThreshold)
	v.SetDefault("escalation.min_text_chars", DefaultMinTextChars)
	v.SetDefault("escalation.render_dpi", DefaultRenderDPI)
	v.SetDefault("escalation.target_ratio", DefaultTargetRatio)

	v.SetDefault("vision.project_id", "")
	v.SetDefault("vision.region", DefaultVisionRegion)
	v.SetDefault("vision.model", DefaultVisionModel)
	v.SetDefault("vision.timeout", DefaultVisionTimeout)

	v.SetDefault("ocr.endpoint", "")
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("ocr.timeout", DefaultOCRTimeout)
	v.SetDefault("ocr.rate_per_second", DefaultOCRRate)
	v.SetDefault("ocr.burst", DefaultOCRBurst)

	v.SetDefault("batch.workers", DefaultBatchWorkers)
}
