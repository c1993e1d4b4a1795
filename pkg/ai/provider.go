package ai

import (
	"fmt"
	"strings"
)

// Provider serves both frame descriptions and chat streams.
type Provider interface {
	FrameDescriber
	ChatCompleter
}

// ProviderConfig selects a backend by name; only the matching section is used.
type ProviderConfig struct {
	Name   string
	OpenAI OpenAIConfig
	Ollama OllamaConfig
}

// NewProvider builds the configured backend. An empty name means openai.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "openai":
		c, err := NewOpenAIClient(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		c, err := NewOllamaClient(cfg.Ollama)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Name)
	}
}
