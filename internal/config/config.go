package config

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	defaultServiceName     = "asset-gateway"
	defaultServicePort     = 22500
	defaultVersion         = "0.1.0"
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 10 * time.Minute
	defaultIdleTimeout     = 2 * time.Minute
	defaultShutdownTimeout = 15 * time.Second
	defaultLoggingLevel    = "info"
	defaultSettingsPath    = "settings.yml"

	defaultMountCapacity     = 64
	defaultMountTTL          = 30 * time.Minute
	defaultMaxEntryBytes     = 64 << 20
	defaultMountCloseTimeout = 10 * time.Second

	defaultMaxConcurrentDownloads = 3
	defaultMaxDownloadBytes       = 4 << 30
	defaultStaleAfter             = 30 * time.Minute
	defaultSweepSchedule          = "@every 1m"
	defaultAttemptRetries         = 3
	defaultRetryDelay             = 2 * time.Second
	defaultAttemptTimeout         = 30 * time.Minute
	defaultDownloadRedirects      = 5

	defaultRedisAddress = "localhost:6379"

	defaultCGITimeout        = 30 * time.Second
	defaultCGIMaxOutputBytes = 32 << 20
)

// Config is the process-level configuration, read once at startup. Values
// that may change while running live in the settings file instead.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Logging   LoggingConfig   `yaml:"logging"`
	Settings  SettingsConfig  `yaml:"settings"`
	Mounts    MountsConfig    `yaml:"mounts"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Redis     RedisConfig     `yaml:"redis"`
	CGI       CGIConfig       `yaml:"cgi"`
}

// ServiceConfig holds HTTP listener settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Port            int           `env:"ASSET_GATEWAY_PORT" yaml:"port"`
	Debug           bool          `env:"APP_DEBUG"          yaml:"debug"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `env:"LOG_LEVEL"    yaml:"level"`
	Encoding string `env:"LOG_ENCODING" yaml:"encoding"`
}

// SettingsConfig locates the hot-reloaded runtime settings file.
type SettingsConfig struct {
	Path  string `env:"ASSET_GATEWAY_SETTINGS" yaml:"path"`
	Watch bool   `env:"ASSET_GATEWAY_SETTINGS_WATCH" yaml:"watch"`
}

// MountsConfig sizes the archive mount registry.
type MountsConfig struct {
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntryBytes int64         `yaml:"max_entry_bytes"`
	CloseTimeout  time.Duration `yaml:"close_timeout"`
}

// SourceConfig is one download mirror.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// DownloadsConfig controls archive downloads and admission.
type DownloadsConfig struct {
	ArtifactRoot    string         `env:"ASSET_GATEWAY_ARTIFACT_ROOT" yaml:"artifact_root"`
	Sources         []SourceConfig `yaml:"sources"`
	MaxConcurrent   int            `yaml:"max_concurrent"`
	MaxBytes        int64          `yaml:"max_bytes"`
	StaleAfter      time.Duration  `yaml:"stale_after"`
	SweepSchedule   string         `yaml:"sweep_schedule"`
	AttemptRetries  int            `yaml:"attempt_retries"`
	RetryDelay      time.Duration  `yaml:"retry_delay"`
	AttemptTimeout  time.Duration  `yaml:"attempt_timeout"`
	MaxRedirects    int            `yaml:"max_redirects"`
	AllowedNetworks []string       `env:"ASSET_GATEWAY_ALLOWED_NETWORKS" yaml:"allowed_networks"`
}

// RedisConfig enables the shared download progress store.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED"  yaml:"enabled"`
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// CGIConfig points at the external CGI interpreter.
type CGIConfig struct {
	Binary         string        `env:"ASSET_GATEWAY_CGI_BIN" yaml:"binary"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
}

// Address returns the listen address.
func (s *ServiceConfig) Address() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Load reads configuration from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	return LoadWithDefaults[Config](path, true, setDefaults)
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLoggingLevel
	}
	if cfg.Settings.Path == "" {
		cfg.Settings.Path = defaultSettingsPath
	}
	setMountsDefaults(&cfg.Mounts)
	setDownloadsDefaults(&cfg.Downloads)
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	if cfg.CGI.Timeout == 0 {
		cfg.CGI.Timeout = defaultCGITimeout
	}
	if cfg.CGI.MaxOutputBytes == 0 {
		cfg.CGI.MaxOutputBytes = defaultCGIMaxOutputBytes
	}
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.ReadTimeout == 0 {
		svc.ReadTimeout = defaultReadTimeout
	}
	if svc.WriteTimeout == 0 {
		svc.WriteTimeout = defaultWriteTimeout
	}
	if svc.IdleTimeout == 0 {
		svc.IdleTimeout = defaultIdleTimeout
	}
	if svc.ShutdownTimeout == 0 {
		svc.ShutdownTimeout = defaultShutdownTimeout
	}
}

func setMountsDefaults(m *MountsConfig) {
	if m.Capacity == 0 {
		m.Capacity = defaultMountCapacity
	}
	if m.TTL == 0 {
		m.TTL = defaultMountTTL
	}
	if m.MaxEntryBytes == 0 {
		m.MaxEntryBytes = defaultMaxEntryBytes
	}
	if m.CloseTimeout == 0 {
		m.CloseTimeout = defaultMountCloseTimeout
	}
}

func setDownloadsDefaults(d *DownloadsConfig) {
	if d.MaxConcurrent == 0 {
		d.MaxConcurrent = defaultMaxConcurrentDownloads
	}
	if d.MaxBytes == 0 {
		d.MaxBytes = defaultMaxDownloadBytes
	}
	if d.StaleAfter == 0 {
		d.StaleAfter = defaultStaleAfter
	}
	if d.SweepSchedule == "" {
		d.SweepSchedule = defaultSweepSchedule
	}
	if d.AttemptRetries == 0 {
		d.AttemptRetries = defaultAttemptRetries
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = defaultRetryDelay
	}
	if d.AttemptTimeout == 0 {
		d.AttemptTimeout = defaultAttemptTimeout
	}
	if d.MaxRedirects == 0 {
		d.MaxRedirects = defaultDownloadRedirects
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := ValidatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := ValidateLogLevel("logging.level", c.Logging.Level); err != nil {
		return err
	}
	if c.Downloads.ArtifactRoot == "" {
		return &ValidationError{Field: "downloads.artifact_root", Message: "is required"}
	}
	for i, src := range c.Downloads.Sources {
		if err := ValidateHTTPURL(fmt.Sprintf("downloads.sources[%d].url", i), src.URL); err != nil {
			return err
		}
	}
	if err := ValidatePrefixes("downloads.allowed_networks", c.Downloads.AllowedNetworks); err != nil {
		return err
	}
	if err := ValidatePositive("mounts.capacity", int64(c.Mounts.Capacity)); err != nil {
		return err
	}
	if err := ValidatePositive("mounts.max_entry_bytes", c.Mounts.MaxEntryBytes); err != nil {
		return err
	}
	return ValidatePositive("downloads.max_concurrent", int64(c.Downloads.MaxConcurrent))
}
