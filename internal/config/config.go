package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "TRELLIS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "trellis.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 43200
	defaultSaveDebounce     = 2 * time.Second
	defaultSaveMaxDelay     = 15 * time.Second
	defaultPollInterval     = 250 * time.Millisecond
	defaultMaxAttempts      = 5
	defaultPropagationSlots = 4
	defaultFanoutSlots      = 1
)

// AppConfig captures runtime configuration for the API server and workers.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	SaveDebounce     time.Duration
	SaveMaxDelay     time.Duration
	QueuePollEvery   time.Duration
	QueueMaxAttempts int
	PropagationSlots int
	FanoutSlots      int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("save.debounce_ms", int(defaultSaveDebounce/time.Millisecond))
	configViper.SetDefault("save.max_delay_ms", int(defaultSaveMaxDelay/time.Millisecond))
	configViper.SetDefault("queue.poll_interval_ms", int(defaultPollInterval/time.Millisecond))
	configViper.SetDefault("queue.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("queue.propagation_concurrency", defaultPropagationSlots)
	configViper.SetDefault("queue.fanout_concurrency", defaultFanoutSlots)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SaveDebounce:     time.Duration(configViper.GetInt("save.debounce_ms")) * time.Millisecond,
		SaveMaxDelay:     time.Duration(configViper.GetInt("save.max_delay_ms")) * time.Millisecond,
		QueuePollEvery:   time.Duration(configViper.GetInt("queue.poll_interval_ms")) * time.Millisecond,
		QueueMaxAttempts: configViper.GetInt("queue.max_attempts"),
		PropagationSlots: configViper.GetInt("queue.propagation_concurrency"),
		FanoutSlots:      configViper.GetInt("queue.fanout_concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SaveDebounce <= 0 || c.SaveMaxDelay < c.SaveDebounce {
		return fmt.Errorf("save.max_delay_ms must be at least save.debounce_ms")
	}
	if c.PropagationSlots <= 0 || c.FanoutSlots <= 0 {
		return fmt.Errorf("queue concurrency values must be positive")
	}
	return nil
}
