package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.ModelPolicy.MaxCostUSD != 5.0 {
		t.Errorf("max_cost_usd = %v", cfg.ModelPolicy.MaxCostUSD)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: "0.0.0.0:9999"
data_dir: /tmp/agentd-test
log_level: debug
model_policy:
  require_tools: true
  preferred_models: ["anthropic/claude-sonnet-4-20250514"]
providers:
  ollama:
    base_url: http://localhost:11434
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTD_LISTEN_ADDR", "127.0.0.1:1234")
	t.Setenv("AGENTD_PREFERRED_MODELS", "gpt-4o, llama3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Env wins over file.
	if cfg.ListenAddr != "127.0.0.1:1234" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if !cfg.ModelPolicy.RequireTools {
		t.Error("require_tools not parsed")
	}
	want := []string{"gpt-4o", "llama3"}
	if len(cfg.ModelPolicy.PreferredModels) != 2 ||
		cfg.ModelPolicy.PreferredModels[0] != want[0] ||
		cfg.ModelPolicy.PreferredModels[1] != want[1] {
		t.Errorf("preferred_models = %v", cfg.ModelPolicy.PreferredModels)
	}
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("ollama base_url = %q", cfg.Providers.Ollama.BaseURL)
	}
}

func TestLoadExpandsDataDirHome(t *testing.T) {
	t.Setenv("AGENTD_DATA_DIR", "~/agentd-data")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if cfg.DataDir != filepath.Join(home, "agentd-data") {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")

	_, found, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("missing file reported found")
	}

	in := Settings{ModelPolicy: ModelPolicy{RequireTools: true, MaxCostUSD: 2.5, PreferredModels: []string{"gpt-4o"}}}
	if err := SaveSettings(path, in); err != nil {
		t.Fatal(err)
	}
	out, found, err := LoadSettings(path)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if out.ModelPolicy.MaxCostUSD != 2.5 || !out.ModelPolicy.RequireTools {
		t.Errorf("settings = %+v", out)
	}
}

func TestSettingsWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := SaveSettings(path, Settings{}); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	var got atomic.Value
	w := NewSettingsWatcher(path, nil, func(s Settings) {
		got.Store(s)
		reloads.Add(1)
	})
	w.debounce = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := SaveSettings(path, Settings{ModelPolicy: ModelPolicy{RequireTools: true}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() > 0 {
			s := got.Load().(Settings)
			if !s.ModelPolicy.RequireTools {
				t.Fatalf("reloaded settings = %+v", s)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("settings change not observed")
}
