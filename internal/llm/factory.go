package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/samsaffron/term-llm/internal/config"
)

// ParseProviderModel parses "provider:model" or just "provider" from a flag
// value. Returns (provider, model, error); model is empty if not specified.
func ParseProviderModel(s string, cfg *config.Config) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	provider := strings.TrimSpace(parts[0])
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}

	if provider == "debug" {
		return provider, model, nil
	}

	if cfg != nil {
		if _, ok := cfg.Providers[provider]; ok {
			return provider, model, nil
		}
	}
	for _, name := range GetProviderNames() {
		if provider == name {
			return provider, model, nil
		}
	}

	return "", "", fmt.Errorf("unknown provider: %s (valid: %s)", provider, strings.Join(GetProviderNames(), ", "))
}

// NewProvider creates the configured default provider, wrapped with retry
// logic for rate limits and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	provider, err := newProviderInternal(cfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

// NewProviderByName creates a provider by name with an optional model
// override, for per-turn provider overrides (e.g. a sub-agent pinned to a
// cheaper model).
func NewProviderByName(cfg *config.Config, name string, model string) (Provider, error) {
	if name == "debug" {
		return WrapWithRetry(NewDebugProvider(model), DefaultRetryConfig()), nil
	}

	providerCfg, ok := cfg.Providers[name]
	if !ok {
		provider, err := newProviderWithoutConfig(name, model)
		if err != nil {
			return nil, err
		}
		return WrapWithRetry(provider, DefaultRetryConfig()), nil
	}

	if model != "" {
		providerCfg.Model = model
	}
	provider, err := createProviderFromConfig(name, &providerCfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

func newProviderInternal(cfg *config.Config) (Provider, error) {
	if cfg.DefaultProvider == "debug" {
		return NewDebugProvider(""), nil
	}

	providerCfg, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return newProviderWithoutConfig(cfg.DefaultProvider, "")
	}
	return createProviderFromConfig(cfg.DefaultProvider, &providerCfg)
}

// newProviderWithoutConfig builds a provider of a built-in type purely from
// environment variables, for a name that has no entry in cfg.Providers yet.
func newProviderWithoutConfig(name, model string) (Provider, error) {
	providerType := config.InferProviderType(name, "")
	switch providerType {
	case config.ProviderTypeAnthropic:
		return NewAnthropicProvider("", model, "")
	case config.ProviderTypeOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q requires OPENAI_API_KEY environment variable or explicit config", name)
		}
		return NewOpenAIProvider(apiKey, model), nil
	case config.ProviderTypeGemini:
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q requires GEMINI_API_KEY environment variable or explicit config", name)
		}
		return NewGeminiProvider(apiKey, model), nil
	default:
		return nil, fmt.Errorf("provider %q not configured", name)
	}
}

// createProviderFromConfig creates a provider from a resolved ProviderConfig.
func createProviderFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	if err := cfg.ResolveForInference(); err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}

	providerType := config.InferProviderType(name, cfg.Type)

	switch providerType {
	case config.ProviderTypeAnthropic:
		return NewAnthropicProvider(cfg.ResolvedAPIKey, cfg.Model, cfg.Credentials)

	case config.ProviderTypeOpenAI:
		if cfg.ResolvedAPIKey == "" {
			return nil, fmt.Errorf("provider %q: openai API key not configured", name)
		}
		return NewOpenAIProvider(cfg.ResolvedAPIKey, cfg.Model), nil

	case config.ProviderTypeGemini:
		if cfg.ResolvedAPIKey == "" {
			return nil, fmt.Errorf("provider %q: gemini API key not configured", name)
		}
		return NewGeminiProvider(cfg.ResolvedAPIKey, cfg.Model), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s (supported: %s)", providerType, strings.Join(GetProviderNames(), ", "))
	}
}
