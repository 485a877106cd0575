package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := writeConfig(t, "deepread.yaml", `
llm:
  api_key: test-key
agent:
  max_turns: 0
sandbox:
  backend: process
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LLM.Model != DefaultModel {
		t.Errorf("model default not applied: %q", cfg.LLM.Model)
	}
	if cfg.Agent.MaxTurns != DefaultMaxTurns {
		t.Errorf("max_turns default not applied: %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.TruncationLimit != DefaultTruncationLimit {
		t.Errorf("truncation_limit default not applied: %d", cfg.Agent.TruncationLimit)
	}
	if got := cfg.Sandbox.ExecTimeout(); got != 120*time.Second {
		t.Errorf("exec timeout default = %s", got)
	}
	if got := cfg.Recursion.EffectiveMaxDepth(); got != DefaultMaxDepth {
		t.Errorf("max depth default = %d", got)
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("storage driver default = %q", cfg.Storage.StorageDriver())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "deepread.json", `{
  "llm": {"model": "test/model", "temperature": 0.2},
  "sandbox": {"backend": "remote", "remote_url": "http://localhost:9090"},
  "server": {"addr": ":9999", "rate_limit": 10}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "test/model" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Sandbox.BackendName() != "remote" {
		t.Errorf("backend = %q", cfg.Sandbox.BackendName())
	}
	if cfg.Server.EffectiveAddr() != ":9999" || cfg.Server.EffectiveRateLimit() != 10 {
		t.Errorf("server config not loaded: %+v", cfg.Server)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	t.Setenv("DEEPREAD_MODEL", "env/model")

	path := writeConfig(t, "deepread.yaml", `
llm:
  api_key: file-key
  model: file/model
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("env must win over file, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "env/model" {
		t.Errorf("env must win over file, got %q", cfg.LLM.Model)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := writeConfig(t, "deepread.yaml", `
sandbox:
  backend: teleport
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_RemoteRequiresURL(t *testing.T) {
	path := writeConfig(t, "deepread.yaml", `
sandbox:
  backend: remote
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing remote_url")
	}
}

func TestServerConfigDefaults(t *testing.T) {
	var s *ServerConfig
	if s.EffectiveAddr() != ":8080" {
		t.Errorf("addr = %q", s.EffectiveAddr())
	}
	if s.EffectiveRateLimit() != 60 {
		t.Errorf("rate limit = %d", s.EffectiveRateLimit())
	}
	if s.EffectiveMaxRequestBytes() != 1<<20 {
		t.Errorf("max request bytes = %d", s.EffectiveMaxRequestBytes())
	}

	disabled := &ServerConfig{RateLimit: -1}
	if disabled.EffectiveRateLimit() != 0 {
		t.Errorf("negative rate limit must disable limiting")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Model == "" || cfg.Agent.MaxTurns != DefaultMaxTurns {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
