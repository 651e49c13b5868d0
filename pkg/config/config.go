package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth   AuthConfig   `mapstructure:"auth"`
	Engine EngineConfig `mapstructure:"engine"`
	Launch LaunchConfig `mapstructure:"launch"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EngineConfig holds the connection settings for the external provisioning engine.
type EngineConfig struct {
	URL        string        `mapstructure:"url"`                   // Base URL of the provisioning engine API
	APIKey     string        `mapstructure:"api_key"`               // Bearer token for engine requests
	Timeout    time.Duration `mapstructure:"timeout,omitempty"`     // Per-request timeout (default: 30s)
	MaxRetries int           `mapstructure:"max_retries,omitempty"` // Retry attempts for transient errors (default: 3)
}

// LaunchConfig tunes the game launch pipeline.
type LaunchConfig struct {
	DBPath             string        `mapstructure:"db_path"`                        // Path to the database file
	GamespaceBatchSize int           `mapstructure:"gamespace_batch_size,omitempty"` // Concurrent gamespace starts per batch (default: 4, minimum 1)
	SyncStartLeadTime  time.Duration `mapstructure:"sync_start_lead_time,omitempty"` // Delay between readiness and session begin (default: 10s)
	SyncInterval       time.Duration `mapstructure:"sync_interval,omitempty"`        // Reconciliation pass interval (default: 60s)
	ManifestDir        string        `mapstructure:"manifest_dir,omitempty"`         // Directory of game.yml manifests to import at startup
	NumWorkers         int           `mapstructure:"num_workers,omitempty"`          // Number of background job workers (default: 4)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Engine: EngineConfig{
			URL:        "http://localhost:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Launch: LaunchConfig{
			GamespaceBatchSize: 4,
			SyncStartLeadTime:  10 * time.Second,
			SyncInterval:       time.Minute,
			NumWorkers:         4,
		},
	}
	return nil
}
