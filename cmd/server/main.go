// Command server is the dialog pipeline's entrypoint: loads configuration,
// wires the capability registry and transports, and serves until a
// shutdown signal arrives.
//
// Grounded on the teacher's cmd/server/main.go: signal channel + graceful
// http.Server.Shutdown, generalized to also own the capability registry
// wiring the teacher's old httpserver.New did inline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voxdialog/internal/archive"
	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/config"
	"github.com/chadiek/voxdialog/internal/logging"
	"github.com/chadiek/voxdialog/internal/orchestrator"
	"github.com/chadiek/voxdialog/internal/providers/asr"
	"github.com/chadiek/voxdialog/internal/providers/llm"
	"github.com/chadiek/voxdialog/internal/providers/tts"
	"github.com/chadiek/voxdialog/internal/providers/vad"
	"github.com/chadiek/voxdialog/internal/segmenter"
	"github.com/chadiek/voxdialog/internal/session"
	"github.com/chadiek/voxdialog/internal/transport/telephony"
	"github.com/chadiek/voxdialog/internal/transport/ws"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err) // nothing can log yet; config failed before logging is wired
	}

	log, err := logging.New(cfg.Global.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	registry := buildCapabilityRegistry()

	asrProvider, llmProvider, ttsProvider, err := instantiateProviders(registry, cfg, log)
	if err != nil {
		log.Fatal("failed to instantiate capability providers", zap.Error(err))
	}
	vadFactory := newVADFactory(registry, cfg)

	configSnapshot := config.NewSnapshot(cfg)

	var archiver session.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(archive.Config{
			URL:            os.Getenv(cfg.Archive.URLEnv),
			ServiceRoleKey: os.Getenv(cfg.Archive.KeyEnv),
			Bucket:         cfg.Archive.Bucket,
		})
		if err != nil {
			log.Warn("archive disabled: failed to construct supabase archiver", zap.Error(err))
		} else {
			archiver = a
		}
	}

	sessionCfg := session.Config{
		SampleRate:        16000,
		IngestWindow:      cfg.Segmenter.WindowSamples,
		OutboundQueueSize: 256,
		ShutdownGrace:     time.Duration(cfg.Orchestrator.ShutdownGraceMS) * time.Millisecond,
		Segmenter: segmenter.Config{
			SampleRate:               16000,
			EOSSilenceMS:             cfg.Segmenter.EOSSilenceMS,
			MaxSegmentMS:             cfg.Segmenter.MaxSegmentMS,
			ContinuationHintsEnabled: cfg.Segmenter.ContinuationHintsEnabled,
			ContinuationExtensionMS:  cfg.Segmenter.ContinuationExtensionMS,
		},
		Orchestrator: orchestrator.Settings{
			CarryoverWindow: time.Duration(cfg.Orchestrator.CarryoverWindowMS) * time.Millisecond,
			HistoryBudget:   cfg.Orchestrator.HistoryTokenBudget,
			MaxPendingChars: cfg.Orchestrator.MaxPendingChars,
			ProviderRetries: cfg.Orchestrator.ProviderRetries,
			Activation: orchestrator.ActivationSettings{
				Enabled:           cfg.Activation.EnablePromptActivation,
				Keywords:          cfg.Activation.ActivationKeywords,
				TimeoutSeconds:    cfg.Activation.ActivationTimeoutSeconds,
				ActivationReply:   cfg.Activation.ActivationReply,
				DeactivationReply: cfg.Activation.DeactivationReply,
			},
		},
	}

	sessionRegistry := session.NewRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	wsHandler := ws.New(ws.Deps{
		Registry:   sessionRegistry,
		VAD:        vadFactory,
		ASR:        asrProvider,
		LLM:        llmProvider,
		TTS:        ttsProvider,
		Archive:    archiver,
		SessionCfg: sessionCfg,
		Config:     configSnapshot,
		Log:        log,
	})
	mux.Handle("/session", wsHandler)

	if cfg.Transport.Telephony.Enabled {
		bridge := telephony.New(telephony.Config{
			AuthToken: os.Getenv(cfg.Transport.Telephony.AuthTokenEnv),
			StreamURL: "wss://" + cfg.Transport.Host + "/session",
		}, sessionRegistry, log)
		mux.HandleFunc("/telephony/voice", bridge.VoiceWebhook)
		mux.HandleFunc("/telephony/status", bridge.StatusWebhook)
	}

	addr := cfg.Transport.Host + ":" + strconv.Itoa(cfg.Transport.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	grace := time.Duration(cfg.Orchestrator.ShutdownGraceMS) * time.Millisecond
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed, forcing close", zap.Error(err))
		_ = httpServer.Close()
	}
}

func buildCapabilityRegistry() *capability.Registry {
	r := capability.NewRegistry()
	r.Register("vad", "rms", vad.Factory)
	r.Register("asr", "assemblyai", asr.Factory)
	r.Register("llm", "cerebras", llm.Factory)
	r.Register("llm", "openai_compatible", llm.Factory)
	r.Register("tts", "elevenlabs", tts.ElevenLabsFactory)
	r.Register("tts", "deepgram", tts.DeepgramFactory)
	return r
}

// instantiateProviders builds the ASR/LLM/TTS providers once: these hold no
// per-stream state, so one shared instance safely serves every session.
// VAD is excluded here since it does carry per-stream smoothing state; see
// newVADFactory.
func instantiateProviders(r *capability.Registry, cfg config.Config, log *zap.Logger) (capability.ASR, capability.LLM, capability.TTS, error) {
	asrMod := cfg.Module("asr")
	asrP, err := r.Create("asr", asrMod.AdapterType, withAPIKey(asrMod))
	if err != nil {
		return nil, nil, nil, err
	}

	llmMod := cfg.Module("llm")
	llmCfg := withAPIKey(llmMod)
	llmCfg["model"] = llmMod.StringOpt("model", "gpt-oss-120b")
	llmP, err := r.Create("llm", llmMod.AdapterType, llmCfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ttsMod := cfg.Module("tts")
	ttsCfg := withAPIKey(ttsMod)
	if voiceEnv := ttsMod.StringOpt("voice_id_env_var", ""); voiceEnv != "" {
		ttsCfg["voice_id"] = os.Getenv(voiceEnv)
	}
	ttsP, err := r.Create("tts", ttsMod.AdapterType, ttsCfg)
	if err != nil {
		return nil, nil, nil, err
	}

	asrIface, ok := asrP.(capability.ASR)
	if !ok {
		return nil, nil, nil, &capability.UnknownProviderError{Category: "asr", Name: asrMod.AdapterType}
	}
	llmIface, ok := llmP.(capability.LLM)
	if !ok {
		return nil, nil, nil, &capability.UnknownProviderError{Category: "llm", Name: llmMod.AdapterType}
	}
	ttsIface, ok := ttsP.(capability.TTS)
	if !ok {
		return nil, nil, nil, &capability.UnknownProviderError{Category: "tts", Name: ttsMod.AdapterType}
	}
	return asrIface, llmIface, ttsIface, nil
}

// newVADFactory returns a ws.VADFactory that creates one fresh VAD instance
// per connection from the configured adapter, so concurrent sessions never
// share a detector's smoothing state.
func newVADFactory(r *capability.Registry, cfg config.Config) ws.VADFactory {
	vadMod := cfg.Module("vad")
	return func() (capability.VAD, error) {
		p, err := r.Create("vad", vadMod.AdapterType, vadMod.Config)
		if err != nil {
			return nil, err
		}
		v, ok := p.(capability.VAD)
		if !ok {
			return nil, &capability.UnknownProviderError{Category: "vad", Name: vadMod.AdapterType}
		}
		return v, nil
	}
}

// withAPIKey copies a module's config map and resolves api_key from its
// declared env var, so provider factories never touch os.Getenv directly.
func withAPIKey(m config.ModuleConfig) map[string]any {
	out := make(map[string]any, len(m.Config)+1)
	for k, v := range m.Config {
		out[k] = v
	}
	out["api_key"] = m.APIKey()
	return out
}
