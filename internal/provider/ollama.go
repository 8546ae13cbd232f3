package provider

import "strings"

// OllamaConfig configures a local Ollama backend, spoken to through its
// OpenAI-compatible /v1 endpoint.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
}

// NewOllama builds an OpenAI-compatible provider pointed at Ollama.
func NewOllama(cfg OllamaConfig) (*OpenAI, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	var models []ModelRecord
	if model := strings.TrimSpace(cfg.DefaultModel); model != "" {
		models = []ModelRecord{{
			ProviderModelID: model,
			DisplayName:     model,
			SupportsTools:   true,
		}}
	}
	return NewOpenAI(OpenAIConfig{
		APIKey:  "ollama",
		BaseURL: baseURL,
		Name:    "ollama",
		Models:  models,
	})
}
