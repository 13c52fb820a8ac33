package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/provider"
	claudeProvider "polychat/internal/provider/claude"
	geminiProvider "polychat/internal/provider/gemini"
	openaiProvider "polychat/internal/provider/openai"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
)

// RegisterConfiguredProviders constructs one adapter per configured vendor, chosen by
// its api_style, and stores it in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vendor, err := models.ParseVendor(name)
		if err != nil {
			return err
		}
		providerCfg := cfg.Providers[name]

		adapter, err := New(vendor, providerCfg, newHTTPClient())
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", vendor, err)
		}
		if err := registry.Register(adapter, providerCfg.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", vendor, err)
		}
	}

	return nil
}

// New builds the adapter matching the configured api_style.
func New(vendor models.Vendor, cfg config.ProviderConfig, client *http.Client) (provider.Adapter, error) {
	var (
		adapter provider.Adapter
		err     error
	)
	switch cfg.APIStyle {
	case config.APIStyleOpenAI:
		adapter, err = openaiProvider.New(vendor, cfg, client)
	case config.APIStyleClaude:
		adapter, err = claudeProvider.New(vendor, cfg, client)
	case config.APIStyleGemini:
		adapter, err = geminiProvider.New(vendor, cfg, client)
	default:
		err = fmt.Errorf("unsupported api_style %q", cfg.APIStyle)
	}
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// newHTTPClient returns a client for long-lived streams. It sets no overall Timeout;
// the per-call deadline comes from the dispatch context.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
