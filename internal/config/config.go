// Package config implements the layered configuration loader: compiled-in
// defaults, then a YAML file, then environment variable overrides — the
// same three-layer shape the teacher's godotenv-based Load() used for one
// layer, generalized to the full schema.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModuleConfig is one entry under modules.{vad,asr,llm,tts}.
type ModuleConfig struct {
	Enabled     bool                   `yaml:"enabled"`
	AdapterType string                 `yaml:"adapter_type"`
	Config      map[string]any         `yaml:"config"`
}

// APIKey reads the env-var name a module's config declares for its
// secret, and resolves it from the process environment.
func (m ModuleConfig) APIKey() string {
	name, _ := m.Config["api_key_env_var"].(string)
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// StringOpt reads a string field out of a module's provider-specific config.
func (m ModuleConfig) StringOpt(key, def string) string {
	if v, ok := m.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ActivationSettings configures the wake-word gate.
type ActivationSettings struct {
	EnablePromptActivation  bool     `yaml:"enable_prompt_activation"`
	ActivationKeywords      []string `yaml:"activation_keywords"`
	ActivationTimeoutSeconds int     `yaml:"activation_timeout_seconds"`
	ActivationReply         string   `yaml:"activation_reply"`
	DeactivationReply       string   `yaml:"deactivation_reply"`
}

// TelephonyConfig configures the optional Twilio webhook ingress.
type TelephonyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AuthTokenEnv  string `yaml:"auth_token_env_var"`
}

// TransportConfig configures the WebSocket listener.
type TransportConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	MaxMessageSize  int             `yaml:"max_message_size"`
	Telephony       TelephonyConfig `yaml:"telephony"`
}

// GlobalSettings are process-wide knobs.
type GlobalSettings struct {
	LogLevel string `yaml:"log_level"`
}

// SegmenterSettings tune the Turn Segmenter beyond the fixed spec defaults.
type SegmenterSettings struct {
	WindowSamples           int  `yaml:"window_samples"`
	EOSSilenceMS            int  `yaml:"eos_silence_ms"`
	MaxSegmentMS            int  `yaml:"max_segment_ms"`
	ContinuationHintsEnabled bool `yaml:"continuation_hints_enabled"`
	ContinuationExtensionMS int  `yaml:"continuation_extension_ms"`
}

// OrchestratorSettings tune carry-over and history budgeting.
type OrchestratorSettings struct {
	CarryoverWindowMS   int `yaml:"carryover_window_ms"`
	HistoryTokenBudget  int `yaml:"history_token_budget"`
	MaxPendingChars     int `yaml:"max_pending_chars"`
	ShutdownGraceMS     int `yaml:"shutdown_grace_ms"`
	ProviderRetries     int `yaml:"provider_retries"`
}

// ArchiveSettings configure best-effort audio archival.
type ArchiveSettings struct {
	Enabled    bool   `yaml:"enabled"`
	Bucket     string `yaml:"bucket"`
	URLEnv     string `yaml:"url_env_var"`
	KeyEnv     string `yaml:"key_env_var"`
}

// Config is the root configuration object matching §6.4.
type Config struct {
	Modules      map[string]ModuleConfig `yaml:"modules"`
	Activation   ActivationSettings      `yaml:"activation_settings"`
	Transport    TransportConfig         `yaml:"transport"`
	Global       GlobalSettings          `yaml:"global_settings"`
	Segmenter    SegmenterSettings       `yaml:"segmenter"`
	Orchestrator OrchestratorSettings    `yaml:"orchestrator"`
	Archive      ArchiveSettings         `yaml:"archive"`
}

// ParsePartial decodes a CONFIG_SET event's JSON event_data into a partial
// Config. YAML's decoder also accepts JSON object syntax, so this reuses
// the loader's snake_case yaml tags rather than needing a parallel set of
// json tags just for the wire format.
func ParsePartial(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse CONFIG_SET payload: %w", err)
	}
	return cfg, nil
}

// Module returns the named module's config, or the zero value if absent.
func (c Config) Module(name string) ModuleConfig {
	return c.Modules[name]
}

// ToMap renders the config as a JSON-friendly map, for a CONFIG_SNAPSHOT
// event's event_data. Round-trips through YAML rather than JSON since the
// struct tags are already yaml, and yaml.v3 decodes happily into
// map[string]any.
func (c Config) ToMap() map[string]any {
	b, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// ModuleStates renders each module's current enable/adapter state, for a
// MODULE_STATUS_REPORT event's module -> state payload.
func (c Config) ModuleStates() map[string]any {
	out := make(map[string]any, len(c.Modules))
	for name, mc := range c.Modules {
		state := "disabled"
		if mc.Enabled {
			state = "active"
		}
		out[name] = map[string]any{"state": state, "adapter_type": mc.AdapterType}
	}
	return out
}

// Snapshot holds the effective configuration behind a mutex so CONFIG_SET
// can mutate it at runtime (§6.4: "applies to the shared in-memory config
// snapshot ... never written back to the YAML file") and CONFIG_GET can
// read it back, without a restart.
type Snapshot struct {
	mu  sync.RWMutex
	cfg Config
}

// NewSnapshot wraps an already-loaded Config for runtime CONFIG_GET/SET.
func NewSnapshot(cfg Config) *Snapshot {
	return &Snapshot{cfg: cfg}
}

// Get returns the current effective configuration.
func (s *Snapshot) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set merge-updates the snapshot from a CONFIG_SET payload and returns the
// resulting configuration.
func (s *Snapshot) Set(partial Config) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = mergeConfig(s.cfg, partial)
	return s.cfg
}

// Defaults returns the compiled-in base layer.
func Defaults() Config {
	return Config{
		Modules: map[string]ModuleConfig{
			"vad": {Enabled: true, AdapterType: "rms", Config: map[string]any{}},
			"asr": {Enabled: true, AdapterType: "assemblyai", Config: map[string]any{"api_key_env_var": "ASSEMBLYAI_API_KEY"}},
			"llm": {Enabled: true, AdapterType: "cerebras", Config: map[string]any{
				"api_key_env_var": "CEREBRAS_API_KEY",
				"model":           "gpt-oss-120b",
			}},
			"tts": {Enabled: true, AdapterType: "elevenlabs", Config: map[string]any{
				"api_key_env_var": "ELEVENLABS_API_KEY",
				"voice_id_env_var": "ELEVENLABS_VOICE_ID",
			}},
		},
		Activation: ActivationSettings{
			EnablePromptActivation:   false,
			ActivationTimeoutSeconds: 60,
			ActivationReply:          "I'm listening.",
			DeactivationReply:        "Let me know if you need anything else.",
		},
		Transport: TransportConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxMessageSize: 1 << 20,
		},
		Global: GlobalSettings{LogLevel: "INFO"},
		Segmenter: SegmenterSettings{
			WindowSamples:            512,
			EOSSilenceMS:             1200,
			MaxSegmentMS:             5000,
			ContinuationHintsEnabled: false,
			ContinuationExtensionMS:  500,
		},
		Orchestrator: OrchestratorSettings{
			CarryoverWindowMS:  8000,
			HistoryTokenBudget: 4000,
			MaxPendingChars:    120,
			ShutdownGraceMS:    5000,
			ProviderRetries:    2,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if it exists), then environment overrides. A missing YAML file is
// not an error — defaults stand alone for local/dev use, matching the
// teacher's tolerance for a missing .env.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is normal outside dev

	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	if b, err := os.ReadFile(path); err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(b, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// mergeConfig overlays non-zero fields of override onto base. Modules merge
// per-key rather than replacing the whole map, so a YAML file that only
// tweaks one provider doesn't erase the others' defaults. Exceptions: a
// module's Enabled flag, Segmenter.ContinuationHintsEnabled,
// Transport.Telephony and Archive are always taken from override, zero or
// not, and EnablePromptActivation is on if either side enables it.
func mergeConfig(base, override Config) Config {
	for name, mc := range override.Modules {
		if base.Modules == nil {
			base.Modules = map[string]ModuleConfig{}
		}
		existing, ok := base.Modules[name]
		if !ok {
			base.Modules[name] = mc
			continue
		}
		if mc.AdapterType != "" {
			existing.AdapterType = mc.AdapterType
		}
		existing.Enabled = mc.Enabled
		if mc.Config != nil {
			if existing.Config == nil {
				existing.Config = map[string]any{}
			}
			for k, v := range mc.Config {
				existing.Config[k] = v
			}
		}
		base.Modules[name] = existing
	}

	if len(override.Activation.ActivationKeywords) > 0 {
		base.Activation.ActivationKeywords = override.Activation.ActivationKeywords
	}
	base.Activation.EnablePromptActivation = override.Activation.EnablePromptActivation || base.Activation.EnablePromptActivation
	if override.Activation.ActivationTimeoutSeconds != 0 {
		base.Activation.ActivationTimeoutSeconds = override.Activation.ActivationTimeoutSeconds
	}
	if override.Activation.ActivationReply != "" {
		base.Activation.ActivationReply = override.Activation.ActivationReply
	}
	if override.Activation.DeactivationReply != "" {
		base.Activation.DeactivationReply = override.Activation.DeactivationReply
	}

	if override.Transport.Host != "" {
		base.Transport.Host = override.Transport.Host
	}
	if override.Transport.Port != 0 {
		base.Transport.Port = override.Transport.Port
	}
	if override.Transport.MaxMessageSize != 0 {
		base.Transport.MaxMessageSize = override.Transport.MaxMessageSize
	}
	base.Transport.Telephony = override.Transport.Telephony

	if override.Global.LogLevel != "" {
		base.Global.LogLevel = override.Global.LogLevel
	}

	if override.Segmenter.WindowSamples != 0 {
		base.Segmenter.WindowSamples = override.Segmenter.WindowSamples
	}
	if override.Segmenter.EOSSilenceMS != 0 {
		base.Segmenter.EOSSilenceMS = override.Segmenter.EOSSilenceMS
	}
	if override.Segmenter.MaxSegmentMS != 0 {
		base.Segmenter.MaxSegmentMS = override.Segmenter.MaxSegmentMS
	}
	base.Segmenter.ContinuationHintsEnabled = override.Segmenter.ContinuationHintsEnabled
	if override.Segmenter.ContinuationExtensionMS != 0 {
		base.Segmenter.ContinuationExtensionMS = override.Segmenter.ContinuationExtensionMS
	}

	if override.Orchestrator.CarryoverWindowMS != 0 {
		base.Orchestrator.CarryoverWindowMS = override.Orchestrator.CarryoverWindowMS
	}
	if override.Orchestrator.HistoryTokenBudget != 0 {
		base.Orchestrator.HistoryTokenBudget = override.Orchestrator.HistoryTokenBudget
	}
	if override.Orchestrator.MaxPendingChars != 0 {
		base.Orchestrator.MaxPendingChars = override.Orchestrator.MaxPendingChars
	}
	if override.Orchestrator.ShutdownGraceMS != 0 {
		base.Orchestrator.ShutdownGraceMS = override.Orchestrator.ShutdownGraceMS
	}
	if override.Orchestrator.ProviderRetries != 0 {
		base.Orchestrator.ProviderRetries = override.Orchestrator.ProviderRetries
	}

	base.Archive = override.Archive

	return base
}

// applyEnvOverrides applies the small set of operational overrides §6.4
// permits from the process environment (LOG_LEVEL, TRANSPORT_PORT). API
// keys are not resolved here; ModuleConfig.APIKey looks each one up from
// its module's api_key_env_var when asked.
func applyEnvOverrides(cfg *Config) {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Global.LogLevel = lvl
	}
	if port := os.Getenv("TRANSPORT_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Transport.Port = n
		}
	}
}
