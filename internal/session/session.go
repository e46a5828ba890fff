// Package session implements the Session (§4.5): the per-connection
// object binding ingestion, VAD, segmentation, orchestration, history,
// and the bounded outbound queue together, plus the Session Registry.
//
// Grounded on the teacher's internal/agent.Session struct (the
// STT->LLM->TTS binding for one call) and on internal/rtc/handler.go's
// per-connection setup/teardown shape, cross-checked against
// BaSui01-agentflow's VoiceAgent/VoiceSession split (one long-lived agent,
// one session per connection).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/dialogerr"
	"github.com/chadiek/voxdialog/internal/history"
	"github.com/chadiek/voxdialog/internal/ingest"
	"github.com/chadiek/voxdialog/internal/logging"
	"github.com/chadiek/voxdialog/internal/model"
	"github.com/chadiek/voxdialog/internal/orchestrator"
	"github.com/chadiek/voxdialog/internal/segmenter"
)

const component = "session"

// Archiver is the optional, best-effort turn-completion hook (§4.5
// supplement): it stores a turn's accumulated audio bytes as an opaque
// blob for audit, never chat history. Implementations must not block the
// outbound/reply path; Session invokes Archive in its own goroutine and
// ignores its error beyond logging.
type Archiver interface {
	Archive(ctx context.Context, sessionID model.SessionId, turnID string, audio []byte) error
}

// Config bundles per-session tunables pulled from the loaded
// configuration's Segmenter/Orchestrator/Global sections.
type Config struct {
	SampleRate        int
	IngestWindow      int
	IngestBacklog     int
	OutboundQueueSize int
	Segmenter         segmenter.Config
	Orchestrator      orchestrator.Settings
	Language          string

	// ShutdownGrace bounds how long Close waits for in-flight goroutines
	// (per-turn ASR/LLM/TTS work, archive uploads) to join before it
	// proceeds regardless and logs the stragglers (§5: shutdown_grace_ms).
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.IngestWindow <= 0 {
		c.IngestWindow = 512
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// Session is one connected client's live state. on_audio_frame and
// on_text_input are expected to be called from the transport's single
// read goroutine; drain_outbound is called from the transport's single
// write goroutine. close() is idempotent and safe to call from either.
type Session struct {
	ID  model.SessionId
	log *zap.Logger

	cfg     Config
	ingest  *ingest.Buffer
	seg     *segmenter.Segmenter
	orch    *orchestrator.Orchestrator
	hist    *history.Log
	vad     capability.VAD
	archive Archiver

	emit        func(model.OutboundEvent)
	droppedSeen int64 // last ingest.Dropped() value reported via a BackpressureDropped event

	outbound chan model.OutboundEvent

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
}

// New constructs a Session wired to the given providers. id, if empty, is
// generated (create(id?) per §4.5).
func New(id model.SessionId, vad capability.VAD, asr capability.ASR, llm capability.LLM, tts capability.TTS, archive Archiver, cfg Config, log *zap.Logger) *Session {
	cfg.applyDefaults()
	if id == "" {
		id = model.SessionId(uuid.NewString())
	}
	if log == nil {
		log = zap.NewNop()
	}
	slog := logging.ForSession(log, string(id))

	ctx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(ctx)

	hist := history.New()
	outbound := make(chan model.OutboundEvent, cfg.OutboundQueueSize)
	emit := func(e model.OutboundEvent) {
		select {
		case outbound <- e:
		case <-ctx.Done():
		}
	}

	s := &Session{
		ID:       id,
		log:      slog,
		cfg:      cfg,
		ingest:   ingest.New(cfg.IngestWindow, cfg.IngestBacklog),
		seg:      segmenter.New(cfg.Segmenter),
		hist:     hist,
		vad:      vad,
		archive:  archive,
		emit:     emit,
		outbound: outbound,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
	}

	// archiveAudio hands a completed turn's accumulated audio bytes off to
	// the Archiver on its own tracked goroutine, never the turn's own
	// goroutine, so a slow or failing upload never delays the next turn but
	// is still joined (within grace) on Close.
	archiveAudio := func(turnID string, audio []byte) {
		if s.archive == nil || len(audio) == 0 {
			return
		}
		s.spawn(func() {
			if err := s.archive.Archive(s.ctx, s.ID, turnID, audio); err != nil {
				s.log.Warn("archive failed", zap.Error(err), zap.String("turn_id", turnID))
			}
		})
	}

	s.orch = orchestrator.New(id, asr, llm, tts, hist, emit, cfg.Orchestrator, slog, archiveAudio)
	s.orch.SetSpawn(s.spawn)

	return s
}

// spawn runs f on the session's joinable goroutine group (§5 supplement:
// "worker joining"), so Close's shutdown-grace wait can observe it and log
// it as a straggler if it overruns instead of leaking it.
func (s *Session) spawn(f func()) {
	s.group.Go(func() error {
		f()
		return nil
	})
}

// OnAudioFrame feeds one raw PCM16LE frame (CLIENT_AUDIO_FRAME) through
// ingestion, VAD, and the segmenter, driving the Orchestrator on segment
// boundaries. Runs synchronously on the transport's read goroutine.
func (s *Session) OnAudioFrame(raw []byte) error {
	if err := s.ingest.PushFrame(raw); err != nil {
		s.emit(model.OutboundEvent{Type: model.EventError, SessionID: s.ID, Text: err.Error(), Kind: string(dialogerr.KindOf(err))})
		return err
	}
	if dropped := s.ingest.Dropped(); dropped > s.droppedSeen {
		s.emit(model.OutboundEvent{
			Type:      model.EventBackpressureDropped,
			SessionID: s.ID,
			Data:      map[string]any{"dropped_samples": dropped - s.droppedSeen, "total_dropped_samples": dropped},
		})
		s.droppedSeen = dropped
	}
	for _, w := range s.ingest.Drain() {
		prob, err := s.vad.Detect(w.Samples)
		if err != nil {
			s.log.Warn("vad error", zap.Error(err))
			continue
		}
		for _, ev := range s.seg.Feed(w, prob) {
			s.handleSegmenterEvent(ev)
		}
	}
	return nil
}

func (s *Session) handleSegmenterEvent(ev segmenter.Event) {
	switch ev.Kind {
	case segmenter.SpeechStarted:
		s.orch.NotifySpeechStarted(time.Now())
	case segmenter.EndOfSpeech:
		now := time.Now()
		s.spawn(func() { s.orch.SubmitSegment(s.ctx, ev.Segment, s.cfg.SampleRate, s.cfg.Language, now) })
	}
}

// OnTextInput handles CLIENT_TEXT_INPUT. Per the resolved Open Question,
// any in-progress segment is force-closed first (treated as an
// independent turn, not merged into the text).
func (s *Session) OnTextInput(text string) {
	if closed := s.seg.ForceClose(); closed != nil {
		s.log.Debug("force-closed in-progress segment ahead of text input", zap.String("segment_id", closed.ID))
	}
	s.spawn(func() { s.orch.SubmitText(s.ctx, text) })
}

// OnControl handles CLIENT_SPEECH_END. Barge-in cancellation is VAD-driven
// (NotifySpeechStarted on the next SpeechStarted event), not a client
// control message, so there is no client-initiated cancel case here.
func (s *Session) OnControl(kind string) {
	switch kind {
	case "CLIENT_SPEECH_END":
		if closed := s.seg.ForceClose(); closed != nil {
			now := time.Now()
			s.spawn(func() { s.orch.SubmitSegment(s.ctx, *closed, s.cfg.SampleRate, s.cfg.Language, now) })
		}
	default:
		s.log.Warn("unknown control message", zap.String("kind", kind))
	}
}

// Emit pushes a server-originated event (e.g. CONFIG_SNAPSHOT or
// MODULE_STATUS_REPORT in reply to a CONFIG_GET/SET or MODULE_STATUS_GET)
// onto the session's outbound queue, for transports that need to answer a
// control message without routing it through the Orchestrator.
func (s *Session) Emit(ev model.OutboundEvent) {
	ev.SessionID = s.ID
	s.emit(ev)
}

// DrainOutbound returns the channel the transport's write goroutine reads
// from. Closed once Close has fully torn the session down.
func (s *Session) DrainOutbound() <-chan model.OutboundEvent {
	return s.outbound
}

// HistorySnapshot exposes the session's conversation history, e.g. for a
// CONFIG_SNAPSHOT/MODULE_STATUS_REPORT diagnostic event.
func (s *Session) HistorySnapshot() []model.HistoryEntry {
	return s.hist.Snapshot()
}

// Run blocks until Close is called or ctx ends. Archiving no longer runs
// as a background poller: the Orchestrator hands each turn's audio to the
// Archiver directly at turn completion (see archiveAudio in New).
func (s *Session) Run(ctx context.Context) error {
	select {
	case <-s.ctx.Done():
	case <-ctx.Done():
	}
	return nil
}

// Close tears the session down idempotently: cancels any active turn,
// cancels the session context (so any goroutine still in flight sees
// ctx.Done and stops emitting), joins every goroutine spawned via spawn
// (per-turn ASR/LLM/TTS work, archive uploads) bounded by
// cfg.ShutdownGrace, and only then closes the outbound channel so the
// transport's write loop exits without racing a straggler's emit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.orch.CancelActive()
		s.cancel()
		s.joinWithGrace()
		close(s.outbound)
	})
}

// joinWithGrace waits for the session's goroutine group, but no longer
// than cfg.ShutdownGrace; past that it logs the stragglers and proceeds
// regardless (§5: "join completes within shutdown_grace_ms or proceeds
// regardless, logging stragglers").
func (s *Session) joinWithGrace() {
	joined := make(chan error, 1)
	go func() { joined <- s.group.Wait() }()
	select {
	case err := <-joined:
		if err != nil {
			s.log.Warn("session goroutine group exited with error", zap.Error(err))
		}
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("session close: goroutines did not join within shutdown grace, proceeding regardless",
			zap.Duration("grace", s.cfg.ShutdownGrace))
	}
}

// Registry is the process-wide map of live sessions (§4.5: create/get/
// destroy). Safe for concurrent use from multiple transport connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[model.SessionId]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[model.SessionId]*Session{}}
}

// Create registers a new Session under s.ID, which must be unique.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return dialogerr.New(dialogerr.ProtocolViolation, component, nil)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id, or nil if none is registered.
func (r *Registry) Get(id model.SessionId) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Destroy closes and unregisters the session for id, if any.
func (r *Registry) Destroy(id model.SessionId) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Count returns the number of live sessions, for a MODULE_STATUS_REPORT.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
