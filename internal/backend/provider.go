package backend

import (
	"fmt"
	"net/http"

	"github.com/PushpalPatil/ChatBot/internal/config"
)

// NewProvider picks the provider for cfg.Backend
func NewProvider(cfg config.Config, httpClient *http.Client) (Provider, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllamaProvider(cfg.OllamaURL, httpClient), nil
	case config.BackendAnthropic:
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropicProvider(cfg.AnthropicKey, "", httpClient), nil
	case config.BackendGrok:
		if cfg.GrokKey == "" {
			return nil, fmt.Errorf("GROK_API_KEY not set")
		}
		return NewOpenAIProvider(config.BackendGrok, cfg.GrokKey, cfg.GrokBaseURL, httpClient), nil
	case config.BackendOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(config.BackendOpenAI, cfg.OpenAIKey, "", httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}
