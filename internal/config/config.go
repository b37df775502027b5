package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CLINICSYNC"
	defaultHTTPAddress  = "127.0.0.1:8090"
	defaultCachePath    = "clinicsync.db"
	defaultCacheTTL     = 30 * time.Minute
	defaultCacheProfile = "default"
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	BackendURL    string
	HTTPAddress   string
	CachePath     string
	CacheTTL      time.Duration
	CacheProfile  string
	PairingSecret string
	SigningSecret string
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("cache.profile", defaultCacheProfile)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BackendURL:    configViper.GetString("backend.url"),
		HTTPAddress:   configViper.GetString("http.address"),
		CachePath:     configViper.GetString("cache.path"),
		CacheTTL:      configViper.GetDuration("cache.ttl"),
		CacheProfile:  configViper.GetString("cache.profile"),
		PairingSecret: configViper.GetString("session.pairing_secret"),
		SigningSecret: configViper.GetString("session.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend.url is required")
	}
	if !strings.HasPrefix(c.BackendURL, "ws://") && !strings.HasPrefix(c.BackendURL, "wss://") {
		return fmt.Errorf("backend.url must be a ws:// or wss:// address")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if strings.TrimSpace(c.PairingSecret) == "" {
		return fmt.Errorf("session.pairing_secret is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	return nil
}
