// Package config provides configuration management for CloudSentinel.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cloudsentinel/internal/feature"
	"github.com/lvonguyen/cloudsentinel/internal/feedback"
	"github.com/lvonguyen/cloudsentinel/internal/intel"
	"github.com/lvonguyen/cloudsentinel/internal/observability"
	"github.com/lvonguyen/cloudsentinel/internal/pipeline"
	"github.com/lvonguyen/cloudsentinel/internal/score"
)

// Config holds all CloudSentinel configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Redis       RedisConfig            `yaml:"redis"`
	History     HistoryConfig          `yaml:"history"`
	Model       ModelConfig            `yaml:"model"`
	Retrain     feedback.RetrainConfig `yaml:"retrain"`
	ThreatIntel ThreatIntelConfig      `yaml:"threat_intel"`
	Scoring     score.Config           `yaml:"scoring"`
	Pipeline    pipeline.Config        `yaml:"pipeline"`
	Telemetry   observability.Config   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. An empty Addr runs the actor
// history store in memory.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// HistoryConfig bounds the actor history window feature extraction reads.
type HistoryConfig struct {
	Window      feature.Window `yaml:"window"`
	MaxPerActor int            `yaml:"max_per_actor"`
	// TTL bounds how long an idle actor's history stays in Redis.
	TTL time.Duration `yaml:"ttl"`
}

// ModelConfig holds model registry settings.
type ModelConfig struct {
	StoragePath string `yaml:"storage_path"`
}

// ThreatIntelConfig holds reputation provider settings. When several
// providers are enabled, the first enabled one in declaration order serves
// lookups.
type ThreatIntelConfig struct {
	// LookupTimeout bounds per-event reputation lookups on the scoring path.
	LookupTimeout time.Duration    `yaml:"lookup_timeout"`
	VirusTotal    VirusTotalConfig `yaml:"virustotal"`
	OTX           OTXConfig        `yaml:"otx"`
}

// VirusTotalConfig holds VirusTotal settings.
type VirusTotalConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Client  intel.VirusTotalConfig `yaml:",inline"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	Enabled bool            `yaml:"enabled"`
	Client  intel.OTXConfig `yaml:",inline"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		History: HistoryConfig{
			Window:      feature.DefaultWindow(),
			MaxPerActor: 1000,
			TTL:         24 * time.Hour,
		},
		Model: ModelConfig{
			StoragePath: "data/models",
		},
		Retrain: feedback.DefaultRetrainConfig(),
		ThreatIntel: ThreatIntelConfig{
			LookupTimeout: 3 * time.Second,
			VirusTotal: VirusTotalConfig{
				Enabled: false,
				Client:  intel.DefaultVirusTotalConfig(),
			},
			OTX: OTXConfig{
				Enabled: false,
				Client:  intel.DefaultOTXConfig(),
			},
		},
		Scoring:  score.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Telemetry: observability.Config{
			ServiceName:    "cloudsentinel",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			MetricsPort:    9090,
			SamplingRate:   0.1,
		},
	}
}
