package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/logging"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "BREWSYNC"
	defaultDatabasePath         = "brewsync.db"
	defaultGatewayTimeout       = 10 * time.Second
	defaultCheckCooldown        = time.Minute
	defaultMaxRetries           = 3
	defaultDrainConcurrency     = 4
	defaultProbeInterval        = 3 * time.Second
	defaultProbeTimeout         = 2 * time.Second
	defaultDiagnosticsAddress   = "127.0.0.1:8090"
	defaultDiagnosticsHeartbeat = 15 * time.Second
	defaultLogLevel             = "info"
	defaultUnitSystem           = "metric"
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	Namespace            string
	DatabasePath         string
	GatewayBaseURL       string
	GatewayTimeout       time.Duration
	SessionToken         string
	UserID               string
	UnitSystem           string
	CheckCooldown        time.Duration
	MaxRetries           int
	DrainConcurrency     int
	AutoDrain            bool
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	DiagnosticsAddress   string
	DiagnosticsOrigins   []string
	DiagnosticsHeartbeat time.Duration
	LogLevel             string
	LogConsole           bool
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

	configViper.SetDefault("storage.namespace", storage.DefaultNamespace)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("gateway.timeout", defaultGatewayTimeout)
	configViper.SetDefault("user.unit_system", defaultUnitSystem)
	configViper.SetDefault("refcache.check_cooldown", defaultCheckCooldown)
	configViper.SetDefault("queue.max_retries", defaultMaxRetries)
	configViper.SetDefault("queue.drain_concurrency", defaultDrainConcurrency)
	configViper.SetDefault("queue.auto_drain", true)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("connectivity.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("diagnostics.address", defaultDiagnosticsAddress)
	configViper.SetDefault("diagnostics.heartbeat", defaultDiagnosticsHeartbeat)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.console", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Namespace:            strings.TrimSpace(configViper.GetString("storage.namespace")),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		GatewayBaseURL:       strings.TrimSpace(configViper.GetString("gateway.base_url")),
		GatewayTimeout:       configViper.GetDuration("gateway.timeout"),
		SessionToken:         strings.TrimSpace(configViper.GetString("session.token")),
		UserID:               strings.TrimSpace(configViper.GetString("user.id")),
		UnitSystem:           strings.TrimSpace(configViper.GetString("user.unit_system")),
		CheckCooldown:        configViper.GetDuration("refcache.check_cooldown"),
		MaxRetries:           configViper.GetInt("queue.max_retries"),
		DrainConcurrency:     configViper.GetInt("queue.drain_concurrency"),
		AutoDrain:            configViper.GetBool("queue.auto_drain"),
		ProbeInterval:        configViper.GetDuration("connectivity.probe_interval"),
		ProbeTimeout:         configViper.GetDuration("connectivity.probe_timeout"),
		DiagnosticsAddress:   strings.TrimSpace(configViper.GetString("diagnostics.address")),
		DiagnosticsOrigins:   configViper.GetStringSlice("diagnostics.allowed_origins"),
		DiagnosticsHeartbeat: configViper.GetDuration("diagnostics.heartbeat"),
		LogLevel:             configViper.GetString("log.level"),
		LogConsole:           configViper.GetBool("log.console"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if _, err := storage.NewKeys(c.Namespace); err != nil {
		return fmt.Errorf("storage.namespace: %w", err)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	parsed, err := url.Parse(c.GatewayBaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("gateway.base_url must be an absolute http(s) URL")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.CheckCooldown <= 0 {
		return fmt.Errorf("refcache.check_cooldown must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.DrainConcurrency < 1 {
		return fmt.Errorf("queue.drain_concurrency must be at least 1")
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("connectivity probe interval and timeout must be positive")
	}
	if c.DiagnosticsAddress == "" {
		return fmt.Errorf("diagnostics.address is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
