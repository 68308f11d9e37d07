// Package config resolves blocksync settings from flags, environment, .env and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/f-sync/blocksync/internal/bluesky"
	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/logging"
)

// Keys shared by flags, config files and BLOCKSYNC_* environment variables.
const (
	KeyConfigFile      = "config"
	KeyEnvFile         = "env-file"
	KeyServiceURL      = "service-url"
	KeyDryRun          = "dry-run"
	KeyMaxConcurrent   = "max-concurrent"
	KeyRequestDelay    = "request-delay"
	KeyRequestJitter   = "request-jitter"
	KeyPageLimit       = "page-limit"
	KeyMaxAttempts     = "max-attempts"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyLogFile         = "log-file"
	KeyHost            = "host"
	KeyPort            = "port"
	KeySyncInterval    = "interval"
	KeyPrimaryID       = "account-a-handle"
	KeyPrimarySecret   = "account-a-app-password"
	KeySecondaryID     = "account-b-handle"
	KeySecondarySecret = "account-b-app-password"
)

// Environment variables that carry the account credentials.
const (
	EnvPrimaryHandle        = "ACCOUNT_A_HANDLE"
	EnvPrimaryAppPassword   = "ACCOUNT_A_APP_PASSWORD"
	EnvSecondaryHandle      = "ACCOUNT_B_HANDLE"
	EnvSecondaryAppPassword = "ACCOUNT_B_APP_PASSWORD"
)

const (
	// EnvPrefix namespaces every non-credential environment variable.
	EnvPrefix = "BLOCKSYNC"

	// DefaultEnvFile is read when present.
	DefaultEnvFile = ".env"

	defaultMaxConcurrent     = 1
	defaultRequestDelay      = 250 * time.Millisecond
	defaultRequestJitter     = 100 * time.Millisecond
	defaultPageLimit         = 100
	defaultMaxAttempts       = 6
	defaultLogLevel          = "info"
	defaultLogFormat         = logging.FormatConsole
	defaultHost              = "127.0.0.1"
	defaultPort              = 8080
	credentialsSeparator     = ", "
	errMessageMissingEnv     = "missing required environment variables"
	errMessageInvalidSetting = "invalid setting"
	errMessageReadEnvFile    = "read env file"
	errMessageReadConfigFile = "read config file"
	invalidSettingFormat     = "%w: %s must be %s, got %v"
	missingEnvFormat         = "%w: %s"
)

var (
	// ErrMissingCredentials lists the credential variables that were not set.
	ErrMissingCredentials = errors.New(errMessageMissingEnv)

	// ErrInvalidSetting indicates an out-of-range value.
	ErrInvalidSetting = errors.New(errMessageInvalidSetting)
)

// Config is the resolved configuration of one process.
type Config struct {
	Primary       gateway.Credentials
	Secondary     gateway.Credentials
	ServiceURL    string
	DryRun        bool
	MaxConcurrent int
	RequestDelay  time.Duration
	RequestJitter time.Duration
	PageLimit     int
	MaxAttempts   int
	Log           logging.Config
	Server        ServerConfig
}

// ServerConfig holds the HTTP service settings.
type ServerConfig struct {
	Host string
	Port int
	// Interval triggers a sync periodically when positive.
	Interval time.Duration
}

// Address returns host:port.
func (serverConfig ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port)
}

// ClientConfig derives the bluesky client settings shared by both accounts.
func (configuration Config) ClientConfig() bluesky.Config {
	return bluesky.Config{
		ServiceURL: configuration.ServiceURL,
		PageLimit:  configuration.PageLimit,
		Retry:      bluesky.RetryConfig{MaxAttempts: configuration.MaxAttempts, Jitter: configuration.RequestJitter},
		Pacing:     bluesky.PacingConfig{BaseDelay: configuration.RequestDelay, Jitter: configuration.RequestJitter},
	}
}

// NewViper returns a viper instance with defaults, the BLOCKSYNC env prefix and the
// credential variables bound.
func NewViper() *viper.Viper {
	settings := viper.New()
	settings.SetDefault(KeyEnvFile, DefaultEnvFile)
	settings.SetDefault(KeyServiceURL, bluesky.DefaultServiceURL)
	settings.SetDefault(KeyMaxConcurrent, defaultMaxConcurrent)
	settings.SetDefault(KeyRequestDelay, defaultRequestDelay)
	settings.SetDefault(KeyRequestJitter, defaultRequestJitter)
	settings.SetDefault(KeyPageLimit, defaultPageLimit)
	settings.SetDefault(KeyMaxAttempts, defaultMaxAttempts)
	settings.SetDefault(KeyLogLevel, defaultLogLevel)
	settings.SetDefault(KeyLogFormat, defaultLogFormat)
	settings.SetDefault(KeyHost, defaultHost)
	settings.SetDefault(KeyPort, defaultPort)

	settings.SetEnvPrefix(EnvPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	bindings := map[string]string{
		KeyPrimaryID:       EnvPrimaryHandle,
		KeyPrimarySecret:   EnvPrimaryAppPassword,
		KeySecondaryID:     EnvSecondaryHandle,
		KeySecondarySecret: EnvSecondaryAppPassword,
	}
	for key, environmentVariable := range bindings {
		_ = settings.BindEnv(key, environmentVariable)
	}
	return settings
}

// LoadEnvFile reads KEY=VALUE pairs into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func LoadEnvFile(path string) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil
	}
	if _, statErr := os.Stat(trimmedPath); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) && trimmedPath == DefaultEnvFile {
			return nil
		}
		return fmt.Errorf("%s: %w", errMessageReadEnvFile, statErr)
	}
	if loadErr := godotenv.Load(trimmedPath); loadErr != nil {
		return fmt.Errorf("%s: %w", errMessageReadEnvFile, loadErr)
	}
	return nil
}

// Load resolves the env file, the optional config file and every setting.
func Load(settings *viper.Viper) (Config, error) {
	if envErr := LoadEnvFile(settings.GetString(KeyEnvFile)); envErr != nil {
		return Config{}, envErr
	}
	if configFile := strings.TrimSpace(settings.GetString(KeyConfigFile)); configFile != "" {
		settings.SetConfigFile(configFile)
		if readErr := settings.ReadInConfig(); readErr != nil {
			return Config{}, fmt.Errorf("%s: %w", errMessageReadConfigFile, readErr)
		}
	}

	configuration := Config{
		Primary: gateway.Credentials{
			Identifier: strings.TrimSpace(settings.GetString(KeyPrimaryID)),
			Password:   settings.GetString(KeyPrimarySecret),
		},
		Secondary: gateway.Credentials{
			Identifier: strings.TrimSpace(settings.GetString(KeySecondaryID)),
			Password:   settings.GetString(KeySecondarySecret),
		},
		ServiceURL:    strings.TrimSpace(settings.GetString(KeyServiceURL)),
		DryRun:        settings.GetBool(KeyDryRun),
		MaxConcurrent: settings.GetInt(KeyMaxConcurrent),
		RequestDelay:  settings.GetDuration(KeyRequestDelay),
		RequestJitter: settings.GetDuration(KeyRequestJitter),
		PageLimit:     settings.GetInt(KeyPageLimit),
		MaxAttempts:   settings.GetInt(KeyMaxAttempts),
		Log: logging.Config{
			Level:  settings.GetString(KeyLogLevel),
			Format: settings.GetString(KeyLogFormat),
			File:   settings.GetString(KeyLogFile),
		},
		Server: ServerConfig{
			Host:     settings.GetString(KeyHost),
			Port:     settings.GetInt(KeyPort),
			Interval: settings.GetDuration(KeySyncInterval),
		},
	}
	return configuration, configuration.Validate()
}

// Validate reports every missing credential variable at once, then range errors.
func (configuration Config) Validate() error {
	var missing []string
	if configuration.Primary.Identifier == "" {
		missing = append(missing, EnvPrimaryHandle)
	}
	if configuration.Primary.Password == "" {
		missing = append(missing, EnvPrimaryAppPassword)
	}
	if configuration.Secondary.Identifier == "" {
		missing = append(missing, EnvSecondaryHandle)
	}
	if configuration.Secondary.Password == "" {
		missing = append(missing, EnvSecondaryAppPassword)
	}
	if len(missing) > 0 {
		return fmt.Errorf(missingEnvFormat, ErrMissingCredentials, strings.Join(missing, credentialsSeparator))
	}

	switch {
	case configuration.MaxConcurrent < 1:
		return fmt.Errorf(invalidSettingFormat, ErrInvalidSetting, KeyMaxConcurrent, "at least 1", configuration.MaxConcurrent)
	case configuration.RequestDelay < 0:
		return fmt.Errorf(invalidSettingFormat, ErrInvalidSetting, KeyRequestDelay, "non-negative", configuration.RequestDelay)
	case configuration.PageLimit < 1 || configuration.PageLimit > defaultPageLimit:
		return fmt.Errorf(invalidSettingFormat, ErrInvalidSetting, KeyPageLimit, "between 1 and 100", configuration.PageLimit)
	case configuration.MaxAttempts < 1:
		return fmt.Errorf(invalidSettingFormat, ErrInvalidSetting, KeyMaxAttempts, "at least 1", configuration.MaxAttempts)
	case configuration.Server.Interval < 0:
		return fmt.Errorf(invalidSettingFormat, ErrInvalidSetting, KeySyncInterval, "non-negative", configuration.Server.Interval)
	}
	return nil
}
