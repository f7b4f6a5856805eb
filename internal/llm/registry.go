// Package llm holds model configuration and a chat-completions client for
// OpenAI-compatible providers.
package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"
)

// ModelConfig describes one usable model: endpoint, limits, and pricing.
type ModelConfig struct {
	ID string `json:"id"`
	// BaseURL is the OpenAI-compatible API root, e.g.
	// https://api.openai.com/v1
	BaseURL string `json:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv       string  `json:"api_key_env"`
	MaxInputTokens  int     `json:"max_input_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	InputPriceUSD   float64 `json:"input_price_per_mtok"`
	OutputPriceUSD  float64 `json:"output_price_per_mtok"`
	// Tokenizer overrides the encoding used for sizing; empty selects by
	// model id.
	Tokenizer string `json:"tokenizer,omitempty"`
}

// APIKey resolves the key from the environment.
func (m *ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv(m.APIKeyEnv)
}

// CostUSD prices a call.
func (m *ModelConfig) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputPriceUSD +
		float64(outputTokens)/1e6*m.OutputPriceUSD
}

// registryFile is the on-disk/remote AI config shape.
type registryFile struct {
	Models              []*ModelConfig `json:"models"`
	DefaultLLMModel     string         `json:"default_llm_model,omitempty"`
	DefaultExtractModel string         `json:"default_extract_model,omitempty"`
}

// Registry maps model ids to configurations.
type Registry struct {
	models              map[string]*ModelConfig
	defaultLLMModel     string
	defaultExtractModel string
}

// builtinModels cover the common OpenAI models so the service works
// without an AI config file.
func builtinModels() []*ModelConfig {
	return []*ModelConfig{
		{
			ID:              "gpt-4o-mini",
			BaseURL:         "https://api.openai.com/v1",
			APIKeyEnv:       "OPENAI_API_KEY",
			MaxInputTokens:  128000,
			MaxOutputTokens: 16384,
			InputPriceUSD:   0.15,
			OutputPriceUSD:  0.60,
		},
		{
			ID:              "gpt-4o",
			BaseURL:         "https://api.openai.com/v1",
			APIKeyEnv:       "OPENAI_API_KEY",
			MaxInputTokens:  128000,
			MaxOutputTokens: 16384,
			InputPriceUSD:   2.50,
			OutputPriceUSD:  10.00,
		},
		{
			ID:              "gpt-3.5-turbo",
			BaseURL:         "https://api.openai.com/v1",
			APIKeyEnv:       "OPENAI_API_KEY",
			MaxInputTokens:  16385,
			MaxOutputTokens: 4096,
			InputPriceUSD:   0.50,
			OutputPriceUSD:  1.50,
		},
	}
}

// RegistryOptions configure loading.
type RegistryOptions struct {
	// ConfigPath is a local file path or an http(s) URL; empty keeps the
	// built-in models only.
	ConfigPath          string
	DefaultLLMModel     string
	DefaultExtractModel string
	Logger              *slog.Logger
}

// LoadRegistry builds a registry from the built-in models overlaid with
// the optional AI config.
func LoadRegistry(opts RegistryOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		models:              map[string]*ModelConfig{},
		defaultLLMModel:     opts.DefaultLLMModel,
		defaultExtractModel: opts.DefaultExtractModel,
	}
	for _, m := range builtinModels() {
		r.models[m.ID] = m
	}

	if opts.ConfigPath != "" {
		data, err := readConfig(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load AI config: %w", err)
		}
		var file registryFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse AI config: %w", err)
		}
		for _, m := range file.Models {
			if m.ID == "" {
				return nil, fmt.Errorf("AI config model without id")
			}
			r.models[m.ID] = m
		}
		if file.DefaultLLMModel != "" && r.defaultLLMModel == "" {
			r.defaultLLMModel = file.DefaultLLMModel
		}
		if file.DefaultExtractModel != "" && r.defaultExtractModel == "" {
			r.defaultExtractModel = file.DefaultExtractModel
		}
		logger.Info("AI config loaded", "path", opts.ConfigPath, "models", len(r.models))
	}

	if r.defaultLLMModel == "" {
		r.defaultLLMModel = "gpt-4o-mini"
	}
	if r.defaultExtractModel == "" {
		r.defaultExtractModel = r.defaultLLMModel
	}
	return r, nil
}

func readConfig(path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Get(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, path)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(path)
}

// Get returns the configuration for id.
func (r *Registry) Get(id string) (*ModelConfig, error) {
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", id)
	}
	return m, nil
}

// DefaultLLMModel is the model used when a request names none.
func (r *Registry) DefaultLLMModel() string { return r.defaultLLMModel }

// DefaultExtractModel is the model used for json extraction.
func (r *Registry) DefaultExtractModel() string { return r.defaultExtractModel }

// Models lists all configured model ids.
func (r *Registry) Models() []string {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	return ids
}
