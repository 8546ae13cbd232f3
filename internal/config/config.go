// Package config loads the daemon configuration: a YAML file overlaid
// with AGENTD_* environment variables, plus the mutable settings.json
// that persists the model policy across restarts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/agentd/internal/workspace"
)

// ModelPolicy constrains model resolution for both executors. It is the
// one piece of config mutable at runtime (via the API), persisted in
// settings.json.
type ModelPolicy struct {
	RequireTools    bool     `json:"require_tools" yaml:"require_tools"`
	RequireVision   bool     `json:"require_vision" yaml:"require_vision"`
	MaxCostUSD      float64  `json:"max_cost_usd" yaml:"max_cost_usd"`
	PreferredModels []string `json:"preferred_models" yaml:"preferred_models"`
}

// ProviderConfig holds per-backend credentials and endpoints.
type ProviderConfig struct {
	Anthropic struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"anthropic"`
	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"openai"`
	Ollama struct {
		BaseURL      string `yaml:"base_url"`
		DefaultModel string `yaml:"default_model"`
	} `yaml:"ollama"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	// AuthToken guards the API. Empty disables auth (local use).
	AuthToken string `yaml:"auth_token"`
	// JWTSecret, when set, additionally accepts HS256 bearer JWTs
	// signed with it.
	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Providers   ProviderConfig `yaml:"providers"`
	ModelPolicy ModelPolicy    `yaml:"model_policy"`

	Verify struct {
		AutoVerify   *bool    `yaml:"auto_verify"`
		Commands     []string `yaml:"commands"`
		RequireClean bool     `yaml:"require_clean"`
	} `yaml:"verify"`
}

// DefaultConfig returns the local single-user defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8787",
		DataDir:    "~/.agentd",
		LogLevel:   "info",
		LogFormat:  "text",
		ModelPolicy: ModelPolicy{
			MaxCostUSD:      5.0,
			PreferredModels: []string{},
		},
	}
}

// Load reads the YAML file at path (missing file is fine: defaults
// apply), overlays AGENTD_* and provider environment variables, and
// expands ~ in data_dir.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// fall through to env overlay
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.DataDir = workspace.ExpandHome(cfg.DataDir)
	if cfg.ListenAddr == "" {
		return Config{}, errors.New("listen_addr is empty")
	}
	if cfg.DataDir == "" {
		return Config{}, errors.New("data_dir is empty")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "AGENTD_LISTEN_ADDR")
	setString(&c.DataDir, "AGENTD_DATA_DIR")
	setString(&c.AuthToken, "AGENTD_AUTH_TOKEN")
	setString(&c.JWTSecret, "AGENTD_JWT_SECRET")
	setString(&c.LogLevel, "AGENTD_LOG_LEVEL")
	setString(&c.LogFormat, "AGENTD_LOG_FORMAT")

	setString(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	setString(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Providers.Ollama.BaseURL, "OLLAMA_BASE_URL")
	setString(&c.Providers.Ollama.DefaultModel, "OLLAMA_DEFAULT_MODEL")

	if v := os.Getenv("AGENTD_MAX_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ModelPolicy.MaxCostUSD = f
		}
	}
	if v := os.Getenv("AGENTD_PREFERRED_MODELS"); v != "" {
		parts := strings.Split(v, ",")
		models := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				models = append(models, p)
			}
		}
		c.ModelPolicy.PreferredModels = models
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
