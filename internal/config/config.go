package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// MaxConns caps concurrent API connections at the listener.
	MaxConns int `yaml:"max_conns"`
	// APIToken guards mutating routes when non-empty. Env only.
	APIToken string `yaml:"-"`
}

type InferenceConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// APIKey authenticates against the hosted endpoint. Env only.
	APIKey string `yaml:"-"`
	// MaxInFlight bounds concurrent requests admitted to the endpoint.
	MaxInFlight int `yaml:"max_in_flight"`
	// AdmissionTimeoutMs is how long a request may wait for admission
	// before failing fast with backpressure.
	AdmissionTimeoutMs int `yaml:"admission_timeout_ms"`
	// Inference latency is seconds to tens of seconds, so these are
	// much longer than ordinary worker timeouts.
	InterpretTimeoutSeconds int `yaml:"interpret_timeout_seconds"`
	RecommendTimeoutSeconds int `yaml:"recommend_timeout_seconds"`
}

type WorkflowConfig struct {
	RunDeadlineSeconds   int `yaml:"run_deadline_seconds"`
	StepTimeoutSeconds   int `yaml:"step_timeout_seconds"`
	MaxAttempts          int `yaml:"max_attempts"`
	EstimatorConcurrency int `yaml:"estimator_concurrency"`
	BreakerThreshold     int `yaml:"breaker_threshold"`
	BreakerCooldownSecs  int `yaml:"breaker_cooldown_seconds"`
	RetentionDays        int `yaml:"retention_days"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type CacheConfig struct {
	// RedisAddr enables the Redis recipe cache when non-empty;
	// otherwise an in-memory cache is used.
	RedisAddr  string `yaml:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4400,
			MaxConns: 64,
		},
		Inference: InferenceConfig{
			Endpoint:                "http://localhost:8801",
			Model:                   "deepseek-vl",
			MaxInFlight:             4,
			AdmissionTimeoutMs:      500,
			InterpretTimeoutSeconds: 45,
			RecommendTimeoutSeconds: 30,
		},
		Workflow: WorkflowConfig{
			RunDeadlineSeconds:   120,
			StepTimeoutSeconds:   10,
			MaxAttempts:          3,
			EstimatorConcurrency: 5,
			BreakerThreshold:     5,
			BreakerCooldownSecs:  30,
			RetentionDays:        7,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pantryd-data"
		}
	}
	return filepath.Join(dir, "pantryd")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pantryd", "config.yaml")
}

// Load reads configuration in three layers: built-in defaults, the YAML
// config file at $XDG_CONFIG_HOME/pantryd/config.yaml, and PANTRYD_*
// environment variables. Later layers override earlier ones.
func Load() (Config, error) {
	return loadFrom(configFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Inference.Endpoint == "" {
		return Config{}, fmt.Errorf("missing required config: inference endpoint. " +
			"Set inference.endpoint in config.yaml or PANTRYD_INFERENCE_ENDPOINT")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PANTRYD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PANTRYD_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("PANTRYD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("PANTRYD_INFERENCE_ENDPOINT"); v != "" {
		cfg.Inference.Endpoint = v
	}
	if v := os.Getenv("PANTRYD_INFERENCE_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
	if v := os.Getenv("PANTRYD_INFERENCE_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("PANTRYD_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("PANTRYD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
