package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string

	Redis       RedisConfig
	Pipeline    PipelineConfig
	EvidenceDir string
	MetricsAddr string
	LogLevel    string

	ConfigDir string
	// TiersPath and VoicePath point at optional override files. They are
	// empty when the files do not exist.
	TiersPath string
	VoicePath string
}

// RedisConfig holds the Redis connection settings shared by the state
// store and the stream client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig controls retry and escalation behaviour.
type PipelineConfig struct {
	MaxRetries       int `yaml:"max_retries,omitempty"`
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
	CriticThreshold  int `yaml:"critic_threshold,omitempty"`
	CriticAttempts   int `yaml:"critic_attempts,omitempty"`
}

// FileConfig represents the structure of ~/.coachgate/config.yaml.
// Credentials are never read from the file.
type FileConfig struct {
	Redis       RedisConfig    `yaml:"redis"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	EvidenceDir string         `yaml:"evidence_dir"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
}

// Load reads configuration from the config file and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir)
}

// LoadFrom is Load with an explicit config directory.
func LoadFrom(configDir string) (*Config, error) {
	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	cfg := &Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", os.Getenv("GEMINI_API_KEY")),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("COACHGATE_REDIS_ADDR", fileConfig.Redis.Addr),
			Password: getEnvOrDefault("COACHGATE_REDIS_PASSWORD", fileConfig.Redis.Password),
			DB:       fileConfig.Redis.DB,
		},
		Pipeline:    fileConfig.Pipeline,
		EvidenceDir: getEnvOrDefault("COACHGATE_EVIDENCE_DIR", fileConfig.EvidenceDir),
		MetricsAddr: getEnvOrDefault("COACHGATE_METRICS_ADDR", fileConfig.MetricsAddr),
		LogLevel:    getEnvOrDefault("COACHGATE_LOG_LEVEL", fileConfig.LogLevel),
		ConfigDir:   configDir,
	}
	if v := os.Getenv("COACHGATE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("COACHGATE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}

	if p := filepath.Join(configDir, "tiers.yaml"); fileExists(p) {
		cfg.TiersPath = p
	}
	if p := filepath.Join(configDir, "voice.yaml"); fileExists(p) {
		cfg.VoicePath = p
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 2
	}
	if cfg.Pipeline.FailureThreshold == 0 {
		cfg.Pipeline.FailureThreshold = 1
	}
	if cfg.Pipeline.CriticThreshold == 0 {
		cfg.Pipeline.CriticThreshold = 80
	}
	if cfg.Pipeline.CriticAttempts == 0 {
		cfg.Pipeline.CriticAttempts = 3
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// HasProvider returns true if the credential for the named provider is set.
func (c *Config) HasProvider(name string) bool {
	return c.Require(name) == nil
}

// Require returns a *ConfigurationError when the named provider has no
// credential configured.
func (c *Config) Require(name string) error {
	var key, env string
	switch name {
	case "anthropic":
		key, env = c.AnthropicAPIKey, "ANTHROPIC_API_KEY"
	case "openai":
		key, env = c.OpenAIAPIKey, "OPENAI_API_KEY"
	case "google":
		key, env = c.GoogleAPIKey, "GOOGLE_API_KEY"
	case "deepseek":
		key, env = c.DeepSeekAPIKey, "DEEPSEEK_API_KEY"
	case "mock":
		return nil
	default:
		return &ConfigurationError{Provider: name, Reason: "unknown provider"}
	}
	if key == "" {
		return &ConfigurationError{Provider: name, EnvVar: env, Reason: "missing credential"}
	}
	return nil
}

// loadFileConfig reads the config file, returning an empty config if it
// does not exist.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".coachgate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
