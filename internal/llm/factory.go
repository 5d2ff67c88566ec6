package llm

import (
	"fmt"
	"strings"
	"time"

	"inbox-assistant/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
)

// Factory creates LLM clients with consistent logic
type Factory struct {
	Provider         string
	OpenaiAPIKey     string
	OpenaiBaseURL    string
	YandexOAuthToken string
	YandexFolderID   string
	Timeout          time.Duration
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		Provider:         string(cfg.LLMProvider),
		OpenaiAPIKey:     cfg.OpenAIAPIKey,
		OpenaiBaseURL:    cfg.OpenAIBaseURL,
		YandexOAuthToken: cfg.YandexOAuthToken,
		YandexFolderID:   cfg.YandexFolderID,
		Timeout:          cfg.LLMTimeout,
	}
}

// CreateClient returns a text client for the configured provider.
func (f *Factory) CreateClient(model string) (Client, error) {
	switch strings.ToLower(f.Provider) {
	case ProviderOpenAI:
		return NewOpenAI(f.OpenaiAPIKey, f.OpenaiBaseURL, model, f.Timeout, nil), nil
	case ProviderYandex:
		return NewYandex(f.YandexOAuthToken, f.YandexFolderID)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", f.Provider)
	}
}

// CreateToolClient returns a tool-capable client. Only the OpenAI-compatible
// endpoint supports function calling, so it is used regardless of Provider.
func (f *Factory) CreateToolClient(model string) (ToolClient, error) {
	if f.OpenaiAPIKey == "" && f.OpenaiBaseURL == "" {
		return nil, fmt.Errorf("tool-capable client requires OPENAI_API_KEY or OPENAI_BASE_URL")
	}
	return NewOpenAI(f.OpenaiAPIKey, f.OpenaiBaseURL, model, f.Timeout, nil), nil
}
