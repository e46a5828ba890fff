// Package reply implements the Reply Pipeline (§4.4): given an Utterance
// and the session's history, streams LLM tokens through a sentence
// splitter into the TTS, emitting interleaved TextChunk/AudioChunk
// OutboundEvents with bounded backpressure.
//
// Grounded on the teacher's internal/agent.Session CHUNK_LOOP in
// session.go (chunkReply + per-chunk TTS streaming), generalized from a
// one-shot non-streaming LLM.Generate into token-level streaming with a
// live sentence splitter instead of post-hoc string splitting of a reply
// that already arrived in full.
package reply

import (
	"context"
	"strings"
	"time"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/dialogerr"
	"github.com/chadiek/voxdialog/internal/history"
	"github.com/chadiek/voxdialog/internal/model"
)

const defaultMaxPendingChars = 120

// Default provider deadlines (§5): LLM first-token, LLM per-token, TTS.
// Options overrides these per-Orchestrator; zero means "use the default".
const (
	defaultFirstTokenTimeout = 10 * time.Second
	defaultTokenTimeout      = 30 * time.Second
	defaultTTSTimeout        = 20 * time.Second
)

var terminators = map[rune]bool{
	'.': true, '?': true, '!': true, '\n': true,
	'。': true, '？': true, '！': true,
}

// Emit is called by Run for every OutboundEvent the turn produces. The
// caller is expected to enqueue it onto the session's bounded outbound
// queue, blocking if full — Run itself does not know about backpressure,
// it just produces events in the correct order.
type Emit func(model.OutboundEvent)

// Options configures one Run call.
type Options struct {
	SystemPrompt    string
	MaxPendingChars int
	HistoryBudget   int // tokens; 0 disables trimming

	// LLMFirstTokenTimeout bounds the wait for the stream's first token.
	// LLMTokenTimeout bounds the wait for each token after that. TTSTimeout
	// bounds each per-sentence synthesis call. Zero uses the package default.
	LLMFirstTokenTimeout time.Duration
	LLMTokenTimeout      time.Duration
	TTSTimeout           time.Duration
}

// classifyProviderErr turns a raw provider error into the taxonomy used
// throughout the pipeline: ProviderTimeout if the call's own context has
// already ended, ProviderUnavailable otherwise. Mirrors the orchestrator's
// recognizeWithRetry classification for ASR.
func classifyProviderErr(component string, err error, ctx context.Context) error {
	if ctx.Err() != nil {
		return dialogerr.New(dialogerr.ProviderTimeout, component, err)
	}
	return dialogerr.New(dialogerr.ProviderUnavailable, component, err)
}

// Run drives steps 1-5 of §4.4 for one turn. It returns once the LLM
// stream ends (normally, via cancellation, or via a provider failure) and
// TTS has been flushed for every sentence that was allowed to start. Text
// already appended to turn via AppendText/AppendAudio reflects exactly
// what was emitted, which is what the Orchestrator records to history on
// completion and cancellation alike. A non-nil return is always a
// *dialogerr.Error (ProviderUnavailable or ProviderTimeout) for the caller
// to classify and surface as an ERROR event; a cancelled turn never
// produces one.
func Run(ctx context.Context, turn *model.ReplyTurn, llm capability.LLM, tts capability.TTS, fullHistory []model.HistoryEntry, utterance model.Utterance, sessionID model.SessionId, emit Emit, opts Options) error {
	maxPending := opts.MaxPendingChars
	if maxPending <= 0 {
		maxPending = defaultMaxPendingChars
	}
	firstTokenTimeout := opts.LLMFirstTokenTimeout
	if firstTokenTimeout <= 0 {
		firstTokenTimeout = defaultFirstTokenTimeout
	}
	tokenTimeout := opts.LLMTokenTimeout
	if tokenTimeout <= 0 {
		tokenTimeout = defaultTokenTimeout
	}
	ttsTimeout := opts.TTSTimeout
	if ttsTimeout <= 0 {
		ttsTimeout = defaultTTSTimeout
	}

	trimmedHistory := fullHistory
	if opts.HistoryBudget > 0 {
		trimmedHistory = history.TrimToBudget(fullHistory, opts.HistoryBudget)
	}

	llmCtx, cancelLLM := context.WithCancel(ctx)
	defer cancelLLM()
	tokens, errs := llm.Generate(llmCtx, opts.SystemPrompt, trimmedHistory, utterance.Prompt())

	llmTimer := time.NewTimer(firstTokenTimeout)
	defer llmTimer.Stop()

	var pending strings.Builder

	flushSentence := func(sentence string) error {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return nil
		}
		if turn.Cancelled() {
			return nil
		}
		emit(model.OutboundEvent{Type: model.EventTextChunk, SessionID: sessionID, Text: sentence, IsFinal: false})
		turn.AppendText(sentence + " ")

		ttsCtx, cancelTTS := context.WithTimeout(ctx, ttsTimeout)
		defer cancelTTS()

		audio, audioErrs := tts.Synthesize(ttsCtx, sentence, "")
		codec, sampleRate := tts.Format()
		for {
			if turn.Cancelled() {
				return nil
			}
			select {
			case chunk, ok := <-audio:
				if !ok {
					audio = nil
					if audioErrs == nil {
						return nil
					}
					continue
				}
				if len(chunk) == 0 {
					continue
				}
				emit(model.OutboundEvent{Type: model.EventAudioChunk, SessionID: sessionID, Audio: chunk, Codec: codec, SampleRate: sampleRate})
				turn.AppendAudio(chunk)
			case e, ok := <-audioErrs:
				if !ok {
					audioErrs = nil
					if audio == nil {
						return nil
					}
					continue
				}
				return classifyProviderErr("tts", e, ttsCtx)
			case <-turn.Done():
				return nil
			case <-ttsCtx.Done():
				return dialogerr.New(dialogerr.ProviderTimeout, "tts", ttsCtx.Err())
			case <-ctx.Done():
				return nil
			}
			if audio == nil && audioErrs == nil {
				return nil
			}
		}
	}

	var pipelineErr error

readLoop:
	for {
		select {
		case <-turn.Done():
			break readLoop
		case <-ctx.Done():
			break readLoop
		case <-llmTimer.C:
			pipelineErr = dialogerr.New(dialogerr.ProviderTimeout, "llm", nil)
			cancelLLM()
			break readLoop
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				break
			}
			llmTimer.Reset(tokenTimeout)
			pending.WriteString(tok)
			for {
				s := pending.String()
				cutAt := -1
				for i, r := range s {
					if terminators[r] {
						cutAt = i + len(string(r))
						break
					}
				}
				if cutAt == -1 && len(s) < maxPending {
					break
				}
				if cutAt == -1 {
					cutAt = len(s)
				}
				sentence := s[:cutAt]
				rest := s[cutAt:]
				if err := flushSentence(sentence); err != nil {
					pipelineErr = err
					break readLoop
				}
				pending.Reset()
				pending.WriteString(rest)
				if turn.Cancelled() {
					break readLoop
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				break
			}
			pipelineErr = classifyProviderErr("llm", err, llmCtx)
			break readLoop
		}
		if tokens == nil && errs == nil {
			break
		}
	}

	if pipelineErr == nil && !turn.Cancelled() {
		if rest := strings.TrimSpace(pending.String()); rest != "" {
			if err := flushSentence(rest); err != nil {
				pipelineErr = err
			}
		}
		if pipelineErr == nil && !turn.Cancelled() {
			emit(model.OutboundEvent{Type: model.EventTextChunk, SessionID: sessionID, Text: "", IsFinal: true})
		}
	}

	return pipelineErr
}
