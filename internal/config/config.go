// Package config provides the configuration structure for the speech-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Rate limiter backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Defaults applied to unset configuration values.
const (
	defaultListenAddr        = ":3001"
	defaultShutdownSeconds   = 15
	defaultMaxBodyBytes      = 10 << 20
	defaultVersion           = "1.0.0"
	defaultProviderBaseURL   = "https://api.openai.com/v1/"
	defaultProviderModel     = "tts-1-hd"
	defaultProviderTimeout   = 60
	defaultAudioDir          = "temp"
	defaultDownloadPath      = "/api/tts/download"
	defaultLedgerDSN         = "file:speech.db?_pragma=busy_timeout(5000)"
	defaultGenerationWindow  = 3600
	defaultGenerationMax     = 50
	defaultAPIWindow         = 900
	defaultAPIMax            = 100
	defaultAuthWindow        = 900
	defaultAuthMax           = 5
	defaultEventsSubject     = "audio.generation.completed"
	defaultRateLimitBucket   = "RATE_WINDOWS"
	defaultLogsDir           = "logs"
	secondsPerHour           = 3600
	listenAddrPortFormat     = ":%s"
	envOpenAIAPIKey          = "OPENAI_API_KEY"
	envJWTSecret             = "AUTH_JWT_SECRET"
	envNATSURL               = "NATS_URL"
	envStorageDir            = "SPEECH_STORAGE_DIR"
	envRateLimitWindowHours  = "RATE_LIMIT_WINDOW_HOURS"
	envRateLimitRequests     = "RATE_LIMIT_REQUESTS"
	envPort                  = "PORT"
	errFmtInvalidEnvInteger  = "invalid integer in %s: %w"
	errFmtInvalidRateBackend = "%w: %q"
)

var (
	// ErrProviderKeyMissing indicates that no provider credential was supplied.
	ErrProviderKeyMissing = errors.New("provider api_key is required (or set OPENAI_API_KEY)")
	// ErrJWTSecretMissing indicates that no token verification secret was supplied.
	ErrJWTSecretMissing = errors.New("auth jwt_secret is required (or set AUTH_JWT_SECRET)")
	// ErrUnknownRateBackend indicates an unsupported rate limiter backend.
	ErrUnknownRateBackend = errors.New("unknown rate_limit backend")
	// ErrNATSURLMissing indicates the NATS backend was selected without a server URL.
	ErrNATSURLMissing = errors.New("rate_limit backend nats requires nats.url")
	// ErrInvalidWindow indicates a non-positive limiter window or cap.
	ErrInvalidWindow = errors.New("rate limit window and max_requests must be positive")
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	ListenAddr             string `toml:"listen_addr"`
	Debug                  bool   `toml:"debug"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	MaxBodyBytes           int64  `toml:"max_body_bytes"`
	Version                string `toml:"version"`
}

// ProviderConfig holds the speech-synthesis provider configuration.
type ProviderConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxRetries     int    `toml:"max_retries"`
}

// StorageConfig holds the ephemeral artifact directory configuration.
type StorageConfig struct {
	AudioDir     string `toml:"audio_dir"`
	DownloadPath string `toml:"download_path"`
}

// LedgerConfig holds the generation ledger database configuration.
type LedgerConfig struct {
	DSN string `toml:"dsn"`
}

// WindowConfig configures one rate limiter instance.
type WindowConfig struct {
	WindowSeconds int `toml:"window_seconds"`
	MaxRequests   int `toml:"max_requests"`
}

// RateLimitConfig holds the three independently configured limiters.
type RateLimitConfig struct {
	Backend    string       `toml:"backend"`
	Generation WindowConfig `toml:"generation"`
	API        WindowConfig `toml:"api"`
	Auth       WindowConfig `toml:"auth"`
}

// AuthConfig holds the bearer token verification configuration.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL             string `toml:"url"`
	EventsSubject   string `toml:"events_subject"`
	RateLimitBucket string `toml:"rate_limit_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Provider  ProviderConfig  `toml:"provider"`
	Storage   StorageConfig   `toml:"storage"`
	Ledger    LedgerConfig    `toml:"ledger"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Auth      AuthConfig      `toml:"auth"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the speech-service, applies environment
// overrides and defaults, and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	envErr := cfg.ApplyEnv(os.LookupEnv)
	if envErr != nil {
		return nil, envErr
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// Parse decodes raw TOML and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyEnv overrides configuration values from environment variables read via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	overrideString(lookup, envOpenAIAPIKey, &c.Provider.APIKey)
	overrideString(lookup, envJWTSecret, &c.Auth.JWTSecret)
	overrideString(lookup, envNATSURL, &c.NATS.URL)
	overrideString(lookup, envStorageDir, &c.Storage.AudioDir)

	if port, ok := lookup(envPort); ok && port != "" {
		c.Server.ListenAddr = fmt.Sprintf(listenAddrPortFormat, port)
	}

	hours, err := lookupInt(lookup, envRateLimitWindowHours)
	if err != nil {
		return err
	}

	if hours > 0 {
		c.RateLimit.Generation.WindowSeconds = hours * secondsPerHour
	}

	requests, err := lookupInt(lookup, envRateLimitRequests)
	if err != nil {
		return err
	}

	if requests > 0 {
		c.RateLimit.Generation.MaxRequests = requests
	}

	return nil
}

// ApplyDefaults fills every unset value with its default.
func (c *Config) ApplyDefaults() {
	defaultString(&c.Server.ListenAddr, defaultListenAddr)
	defaultInt(&c.Server.ShutdownTimeoutSeconds, defaultShutdownSeconds)
	defaultString(&c.Server.Version, defaultVersion)

	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = defaultMaxBodyBytes
	}

	defaultString(&c.Provider.BaseURL, defaultProviderBaseURL)
	defaultString(&c.Provider.Model, defaultProviderModel)
	defaultInt(&c.Provider.TimeoutSeconds, defaultProviderTimeout)

	if c.Provider.MaxRetries < 0 {
		c.Provider.MaxRetries = 0
	}

	defaultString(&c.Storage.AudioDir, defaultAudioDir)
	defaultString(&c.Storage.DownloadPath, defaultDownloadPath)
	defaultString(&c.Ledger.DSN, defaultLedgerDSN)

	defaultString(&c.RateLimit.Backend, BackendMemory)
	defaultWindow(&c.RateLimit.Generation, defaultGenerationWindow, defaultGenerationMax)
	defaultWindow(&c.RateLimit.API, defaultAPIWindow, defaultAPIMax)
	defaultWindow(&c.RateLimit.Auth, defaultAuthWindow, defaultAuthMax)

	defaultString(&c.NATS.EventsSubject, defaultEventsSubject)
	defaultString(&c.NATS.RateLimitBucket, defaultRateLimitBucket)
	defaultString(&c.Paths.BaseLogsDir, defaultLogsDir)
}

// Validate reports the first configuration problem that prevents startup.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return ErrProviderKeyMissing
	}

	if c.Auth.JWTSecret == "" {
		return ErrJWTSecretMissing
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.NATS.URL == "" {
			return ErrNATSURLMissing
		}
	default:
		return fmt.Errorf(errFmtInvalidRateBackend, ErrUnknownRateBackend, c.RateLimit.Backend)
	}

	for _, window := range []WindowConfig{c.RateLimit.Generation, c.RateLimit.API, c.RateLimit.Auth} {
		if window.WindowSeconds <= 0 || window.MaxRequests <= 0 {
			return ErrInvalidWindow
		}
	}

	return nil
}

// ProviderTimeout returns the upper bound of one synthesis call.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Window returns the configured window length.
func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && value != "" {
		*target = value
	}
}

func lookupInt(lookup func(string) (string, bool), key string) (int, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return 0, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf(errFmtInvalidEnvInteger, key, err)
	}

	return value, nil
}

func defaultString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func defaultInt(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func defaultWindow(target *WindowConfig, windowSeconds, maxRequests int) {
	defaultInt(&target.WindowSeconds, windowSeconds)
	defaultInt(&target.MaxRequests, maxRequests)
}
