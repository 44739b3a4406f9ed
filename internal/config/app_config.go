// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvUsername overrides credentials.username.
	EnvUsername = "MWCLIENT_USERNAME"
	// EnvPassword overrides credentials.password.
	EnvPassword = "MWCLIENT_PASSWORD"

	defaultMaxRetries = 2
	defaultUserAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36"
)

// Credentials holds the site login.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPConfig tunes the request layer.
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"maxRetries"`
	UserAgent         string        `yaml:"userAgent"`
}

// TradeConfig throttles transaction submission.
type TradeConfig struct {
	OrdersPerSecond float64 `yaml:"ordersPerSecond"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// AppConfig is the unified mwclient configuration sourced from YAML.
type AppConfig struct {
	Credentials Credentials                `yaml:"credentials"`
	DefaultGame string                     `yaml:"defaultGame"`
	Verbose     bool                       `yaml:"verbose"`
	HTTP        HTTPConfig                 `yaml:"http"`
	Trade       TradeConfig                `yaml:"trade"`
	Telemetry   TelemetryConfig            `yaml:"telemetry"`
	Requests    map[string]RequestTemplate `yaml:"requests"`

	templates Templates
}

// Templates returns the request table built from the embedded defaults and any overrides.
func (c AppConfig) Templates() Templates {
	return c.templates
}

// Default returns a configuration populated with defaults only.
func Default() (AppConfig, error) {
	var cfg AppConfig
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Load reads and normalises an AppConfig from the provided YAML file.
// Credentials may be missing here; they are checked by Validate.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to defaults when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = Default()
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() error {
	c.applyEnv()

	c.Credentials.Username = strings.TrimSpace(c.Credentials.Username)
	c.DefaultGame = strings.TrimSpace(c.DefaultGame)

	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 15 * time.Second
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		c.HTTP.RequestsPerSecond = 4
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 1
	}
	switch {
	case c.HTTP.MaxRetries == 0:
		c.HTTP.MaxRetries = defaultMaxRetries
	case c.HTTP.MaxRetries < 0:
		// negative disables retries
		c.HTTP.MaxRetries = 0
	}
	c.HTTP.UserAgent = strings.TrimSpace(c.HTTP.UserAgent)
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = defaultUserAgent
	}
	if c.Trade.OrdersPerSecond <= 0 {
		c.Trade.OrdersPerSecond = 1
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mwclient"
	}

	templates, err := buildTemplates(c.Requests)
	if err != nil {
		return err
	}
	c.templates = templates
	return nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvUsername)); v != "" {
		c.Credentials.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Credentials.Password = v
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if c.Credentials.Username == "" {
		return fmt.Errorf("credentials username required (or set %s)", EnvUsername)
	}
	if c.Credentials.Password == "" {
		return fmt.Errorf("credentials password required (or set %s)", EnvPassword)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http timeout must be >0")
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		return fmt.Errorf("http requestsPerSecond must be >0")
	}
	if c.Trade.OrdersPerSecond <= 0 {
		return fmt.Errorf("trade ordersPerSecond must be >0")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if err := c.templates.Validate(); err != nil {
		return fmt.Errorf("requests: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
