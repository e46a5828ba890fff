package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Transport.Port)
	}
	if cfg.Modules["llm"].AdapterType != "cerebras" {
		t.Fatalf("expected default llm adapter cerebras, got %q", cfg.Modules["llm"].AdapterType)
	}
	if cfg.Segmenter.EOSSilenceMS != 1200 {
		t.Fatalf("expected default eos_silence_ms 1200, got %d", cfg.Segmenter.EOSSilenceMS)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := []byte(`
transport:
  port: 9090
modules:
  llm:
    adapter_type: openai-compatible
activation_settings:
  enable_prompt_activation: true
  activation_keywords: ["hello assistant"]
`)
	if err := os.WriteFile(path, yamlBody, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Port != 9090 {
		t.Fatalf("expected overridden port 9090, got %d", cfg.Transport.Port)
	}
	if cfg.Modules["llm"].AdapterType != "openai-compatible" {
		t.Fatalf("expected overridden llm adapter, got %q", cfg.Modules["llm"].AdapterType)
	}
	if !cfg.Activation.EnablePromptActivation {
		t.Fatalf("expected activation enabled")
	}
	if cfg.Modules["tts"].AdapterType != "elevenlabs" {
		t.Fatalf("expected tts adapter default to survive partial override, got %q", cfg.Modules["tts"].AdapterType)
	}
}

func TestSnapshot_SetMergesAndGetReflectsIt(t *testing.T) {
	snap := NewSnapshot(Defaults())

	partial, err := ParsePartial([]byte(`{"transport":{"port":9191}}`))
	if err != nil {
		t.Fatalf("ParsePartial: %v", err)
	}
	updated := snap.Set(partial)
	if updated.Transport.Port != 9191 {
		t.Fatalf("expected Set to return the merged config, got port %d", updated.Transport.Port)
	}
	if got := snap.Get().Transport.Port; got != 9191 {
		t.Fatalf("expected Get to reflect the update, got port %d", got)
	}
	if snap.Get().Modules["llm"].AdapterType != "cerebras" {
		t.Fatalf("expected an unrelated field to survive the partial merge")
	}
}

func TestModuleStates_ReflectsEnabledAndAdapter(t *testing.T) {
	states := Defaults().ModuleStates()
	vad, ok := states["vad"].(map[string]any)
	if !ok {
		t.Fatalf("expected a vad entry, got %+v", states)
	}
	if vad["state"] != "active" || vad["adapter_type"] != "rms" {
		t.Fatalf("unexpected vad module state: %+v", vad)
	}
}

func TestLoad_EnvOverridesLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.LogLevel != "DEBUG" {
		t.Fatalf("expected env override of log level, got %q", cfg.Global.LogLevel)
	}
}
