package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"polychat/internal/models"
)

// API styles understood by the adapter factory.
const (
	APIStyleOpenAI = "openai"
	APIStyleClaude = "claude"
	APIStyleGemini = "gemini"
)

const (
	defaultPort            = 8080
	defaultTokenTTL        = 30 * 24 * time.Hour
	defaultStoragePath     = "polychat.db"
	defaultProviderTimeout = 60 * time.Second
	defaultHistoryLimit    = 10
	defaultBatchDelay      = 2 * time.Second
	defaultMaxTokens       = 4096
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Auth         AuthConfig                `yaml:"auth"`
	Storage      StorageConfig             `yaml:"storage"`
	Dispatch     DispatchConfig            `yaml:"dispatch"`
	UniversalKey string                    `yaml:"universal_key"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig tunes fan-out behaviour.
type DispatchConfig struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	HistoryLimit    int           `yaml:"history_limit"`
	BatchDelay      time.Duration `yaml:"batch_delay"`
}

// ProviderConfig captures authentication and routing info for one vendor.
type ProviderConfig struct {
	APIKey    string            `yaml:"api_key"`
	BaseURL   string            `yaml:"base_url"`
	APIStyle  string            `yaml:"api_style"`
	MaxTokens int               `yaml:"max_tokens"`
	Models    []string          `yaml:"models"`
	Headers   Headers           `yaml:"headers"`
	Aliases   map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Load reads YAML configuration from disk, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every vendor enabled and keys taken from the
// conventional environment variables.
func Default() Config {
	cfg := Config{Providers: make(map[string]ProviderConfig, len(models.Vendors))}
	for _, vendor := range models.Vendors {
		cfg.Providers[string(vendor)] = ProviderConfig{APIKey: os.Getenv(vendorDefaults[vendor].envKey)}
	}
	cfg.UniversalKey = os.Getenv("POLYCHAT_UNIVERSAL_KEY")
	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. Vendors with no explicit base_url, api_style or
// models inherit the built-in catalog entry.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaultTokenTTL
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dispatch.ProviderTimeout == 0 {
		c.Dispatch.ProviderTimeout = defaultProviderTimeout
	}
	if c.Dispatch.HistoryLimit == 0 {
		c.Dispatch.HistoryLimit = defaultHistoryLimit
	}
	if c.Dispatch.BatchDelay == 0 {
		c.Dispatch.BatchDelay = defaultBatchDelay
	}

	for name, provider := range c.Providers {
		defaults, ok := vendorDefaults[models.Vendor(strings.ToLower(name))]
		if !ok {
			continue
		}
		if provider.BaseURL == "" {
			provider.BaseURL = defaults.baseURL
		}
		if provider.APIStyle == "" {
			provider.APIStyle = defaults.apiStyle
		}
		if len(provider.Models) == 0 {
			provider.Models = slices.Clone(defaults.models)
		}
		if provider.MaxTokens == 0 {
			provider.MaxTokens = defaultMaxTokens
		}
		c.Providers[name] = provider
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must not be negative, got %s", c.Auth.TokenTTL)
	}
	if c.Dispatch.ProviderTimeout < 0 {
		return fmt.Errorf("dispatch.provider_timeout must not be negative, got %s", c.Dispatch.ProviderTimeout)
	}
	if c.Dispatch.HistoryLimit < 0 {
		return fmt.Errorf("dispatch.history_limit must not be negative, got %d", c.Dispatch.HistoryLimit)
	}
	if c.Dispatch.BatchDelay < 0 {
		return fmt.Errorf("dispatch.batch_delay must not be negative, got %s", c.Dispatch.BatchDelay)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]string)
	for name, provider := range c.Providers {
		if _, err := models.ParseVendor(name); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if err := validateProvider(name, provider); err != nil {
			return err
		}
		for _, id := range provider.Models {
			if other, dup := seen[id]; dup {
				return fmt.Errorf("model %q is configured for both %s and %s", id, other, name)
			}
			seen[id] = name
		}
	}

	return nil
}

// VendorConfig returns the provider section of vendor, if configured.
func (c Config) VendorConfig(vendor models.Vendor) (ProviderConfig, bool) {
	for name, provider := range c.Providers {
		if strings.EqualFold(name, string(vendor)) {
			return provider, true
		}
	}
	return ProviderConfig{}, false
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}
	if err := validateAPIStyle(name, provider.APIStyle); err != nil {
		return err
	}
	if provider.MaxTokens < 0 {
		return fmt.Errorf("provider %s: max_tokens must not be negative", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if !slices.Contains(provider.Models, target) {
			return fmt.Errorf("provider %s: alias %q references unknown model %q", name, alias, target)
		}
	}

	return nil
}

func validateAPIStyle(providerName, style string) error {
	switch style {
	case APIStyleOpenAI, APIStyleClaude, APIStyleGemini:
		return nil
	default:
		return fmt.Errorf("provider %s: api_style %q must be one of %q, %q or %q",
			providerName, style, APIStyleOpenAI, APIStyleClaude, APIStyleGemini)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
