// Package config loads csdeploy settings from a YAML file, a .env file and
// CSDEPLOY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvConfigFile names an explicit config file.
	EnvConfigFile = "CSDEPLOY_CONFIG"

	envPrefix  = "CSDEPLOY"
	configName = "csdeploy"
)

// Config is the complete csdeploy configuration.
type Config struct {
	Auth       AuthConfig       `mapstructure:"auth"`
	Management ManagementConfig `mapstructure:"management"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Cache      CacheConfig      `mapstructure:"cache"`
}

// AuthConfig configures sign-in.
type AuthConfig struct {
	// AuthorityHost is the login host; the tenant is appended per request.
	AuthorityHost string `mapstructure:"authority_host"`

	// Tenant is used when a subscription carries no tenant id.
	Tenant string `mapstructure:"tenant"`

	// Mode is interactive, device-code or default.
	Mode string `mapstructure:"mode"`

	ClientID    string `mapstructure:"client_id"`
	RedirectURL string `mapstructure:"redirect_url"`

	// APIEndpoint is the resource tokens are requested for.
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// Scope returns the token scope for APIEndpoint.
func (a AuthConfig) Scope() string {
	return a.APIEndpoint + "/.default"
}

// ManagementConfig locates the Service Management API and blob storage.
type ManagementConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	APIVersion   string `mapstructure:"api_version"`
	BlobSuffix   string `mapstructure:"blob_suffix"`
	BlobEndpoint string `mapstructure:"blob_endpoint"`
}

// DeployConfig tunes operation polling.
type DeployConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// CacheConfig tunes the listing cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

var defaults = map[string]interface{}{
	"auth.authority_host":      "https://login.microsoftonline.com",
	"auth.tenant":              "common",
	"auth.mode":                "interactive",
	"auth.client_id":           "1950a258-227b-4e31-a9cf-717495945fc2",
	"auth.redirect_url":        "http://localhost",
	"auth.api_endpoint":        "https://management.core.windows.net/",
	"management.endpoint":      "https://management.core.windows.net",
	"management.api_version":   "2015-04-01",
	"management.blob_suffix":   "blob.core.windows.net",
	"management.blob_endpoint": "",
	"deploy.poll_interval":     5 * time.Second,
	"deploy.operation_timeout": time.Duration(0),
	"cache.ttl":                time.Hour,
}

// Load reads the configuration. A missing config file is not an error.
func Load() (Config, error) {
	v, err := InitConfig()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// InitConfig prepares a viper instance with defaults, the config file and
// environment overrides.
func InitConfig() (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	explicit := os.Getenv(EnvConfigFile)
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".csdeploy"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Auth.AuthorityHost == "" {
		return fmt.Errorf("auth.authority_host is required")
	}
	if c.Auth.Tenant == "" {
		return fmt.Errorf("auth.tenant is required")
	}
	switch c.Auth.Mode {
	case "interactive", "device-code", "default":
	default:
		return fmt.Errorf("auth.mode must be interactive, device-code or default, got %q", c.Auth.Mode)
	}
	if c.Deploy.PollInterval <= 0 {
		return fmt.Errorf("deploy.poll_interval must be positive")
	}
	if c.Deploy.OperationTimeout < 0 {
		return fmt.Errorf("deploy.operation_timeout must not be negative")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}
