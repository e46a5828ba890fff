// Package capability defines the pluggable provider interfaces (§6.3) and
// the name-to-factory registry (§4.6) used once at startup to instantiate
// each provider from configuration. Generalizes the teacher's
// internal/agent.Transcriber/LLM/TTS interfaces (one-shot, non-streaming
// LLM) into streaming-everywhere ports matching the dialog pipeline's
// token/chunk-level cancellation requirements.
package capability

import (
	"context"

	"github.com/chadiek/voxdialog/internal/model"
)

// VAD classifies one fixed-size PCM window as speech-probability.
type VAD interface {
	Detect(window []int16) (probability float64, err error)
}

// ASR transcribes a closed speech segment. A provider that also supports
// partial transcripts should additionally implement ASRStreamer.
type ASR interface {
	Recognize(ctx context.Context, segment model.SpeechSegment, sampleRate int, language string) (model.Transcript, error)
}

// ASRStreamer is the optional streaming extension: partial transcripts on
// partials, a final Transcript when the underlying stream completes.
type ASRStreamer interface {
	ASR
	RecognizeStream(ctx context.Context, audio <-chan []int16, sampleRate int, language string) (partials <-chan model.Transcript, final <-chan model.Transcript, errs <-chan error)
}

// LLM generates a reply as a stream of token-text. Must honor ctx
// cancellation between tokens — no chunk should be enqueued after ctx.Err()
// is non-nil.
type LLM interface {
	Generate(ctx context.Context, systemPrompt string, history []model.HistoryEntry, userText string) (tokens <-chan string, errs <-chan error)
}

// TTS synthesizes audio for one sentence at a time. Codec and sample rate
// are reported once via Format.
type TTS interface {
	Synthesize(ctx context.Context, text string, voice string) (audio <-chan []byte, errs <-chan error)
	Format() (codec string, sampleRate int)
}

// Provider is the common shape every capability factory returns; concrete
// adapters implement one of VAD/ASR/LLM/TTS and assert to it.
type Provider interface{}

// Factory builds a Provider from a provider-specific config map.
type Factory func(cfg map[string]any) (Provider, error)

// Registry maps category ("vad"/"asr"/"llm"/"tts") and adapter name to a
// Factory, then to an instantiated Provider. Unknown name at Create time is
// fatal per §4.6.
type Registry struct {
	factories map[string]map[string]Factory
}

// NewRegistry returns an empty registry; call Register for each adapter the
// binary ships before Create builds providers from configuration.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]map[string]Factory{}}
}

// Register adds a factory under category/name. Intended to be called from
// an init-time table, not reflection-discovered.
func (r *Registry) Register(category, name string, f Factory) {
	if r.factories[category] == nil {
		r.factories[category] = map[string]Factory{}
	}
	r.factories[category][name] = f
}

// Create instantiates the named provider within category.
func (r *Registry) Create(category, name string, cfg map[string]any) (Provider, error) {
	byName, ok := r.factories[category]
	if !ok {
		return nil, &UnknownProviderError{Category: category, Name: name}
	}
	f, ok := byName[name]
	if !ok {
		return nil, &UnknownProviderError{Category: category, Name: name}
	}
	return f(cfg)
}

// UnknownProviderError is returned when Create is asked for a category/name
// pair with no registered factory. Fatal at startup.
type UnknownProviderError struct {
	Category string
	Name     string
}

func (e *UnknownProviderError) Error() string {
	return "capability: unknown provider " + e.Category + "/" + e.Name
}
