// Package ws implements the WebSocket transport (§6.1): one connection
// bound to one Session, carrying binary PCM16LE frames and JSON event
// frames in both directions.
//
// Grounded on the teacher's internal/rtc/ws_signaling.go ServeWebSocket
// (upgrade, auth-or-first-message check, read loop, write-side helpers),
// generalized away from WebRTC offer/answer/ICE signaling to the
// spec's binary-PCM/JSON-event wire contract — the SDP/candidate/OnTrack
// machinery that file exists for has no analog here.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/config"
	"github.com/chadiek/voxdialog/internal/dialogerr"
	"github.com/chadiek/voxdialog/internal/model"
	"github.com/chadiek/voxdialog/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientEvent mirrors §6.1's JSON text-frame envelope for inbound events.
type clientEvent struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	TagID     string          `json:"tag_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// serverEvent mirrors the same envelope outbound.
type serverEvent struct {
	EventType string      `json:"event_type"`
	EventData interface{} `json:"event_data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// VADFactory builds one fresh VAD instance per connection. VAD providers
// carry per-stream smoothing state (see RMSDetector), so unlike ASR/LLM/TTS
// they cannot be shared across concurrent sessions.
type VADFactory func() (capability.VAD, error)

// Deps are the process-wide dependencies the transport needs per new
// connection to construct a Session.
type Deps struct {
	Registry   *session.Registry
	VAD        VADFactory
	ASR        capability.ASR
	LLM        capability.LLM
	TTS        capability.TTS
	Archive    session.Archiver
	SessionCfg session.Config
	Config     *config.Snapshot
	Log        *zap.Logger
}

// Handler upgrades an HTTP request to a WebSocket and binds the
// connection's lifetime to one Session.
type Handler struct {
	deps Deps
}

// New constructs a Handler.
func New(deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Handler{deps: deps}
}

// ServeHTTP implements http.Handler, suitable for mounting directly on a
// mux (e.g. mux.Handle("/session", h)).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	vadProvider, err := h.deps.VAD()
	if err != nil {
		h.deps.Log.Warn("failed to construct per-session vad", zap.Error(err))
		conn.WriteJSON(serverEvent{EventType: string(model.EventError), EventData: map[string]string{"text": "vad unavailable", "kind": string(dialogerr.ProviderUnavailable)}})
		return
	}

	requestedID := model.SessionId(r.URL.Query().Get("session_id"))
	sess := session.New(requestedID, vadProvider, h.deps.ASR, h.deps.LLM, h.deps.TTS, h.deps.Archive, h.deps.SessionCfg, h.deps.Log)
	if err := h.deps.Registry.Create(sess); err != nil {
		h.deps.Log.Warn("session registry rejected id", zap.String("session_id", string(sess.ID)), zap.Error(err))
		conn.WriteJSON(serverEvent{EventType: string(model.EventError), EventData: map[string]string{"text": "session_id already in use", "kind": string(dialogerr.ProtocolViolation)}})
		return
	}
	defer h.deps.Registry.Destroy(sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		if err := sess.Run(ctx); err != nil {
			h.deps.Log.Warn("session run exited with error", zap.String("session_id", string(sess.ID)), zap.Error(err))
		}
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		writeLoop(conn, sess, h.deps.Log)
	}()

	writeJSON(conn, serverEvent{EventType: string(model.EventSessionStart), EventData: map[string]string{"session_id": string(sess.ID)}, SessionID: string(sess.ID), Timestamp: nowRFC3339()})

	readLoop(conn, sess, h.deps)

	sess.Close()
	cancel()
	<-writeDone
}

func readLoop(conn *websocket.Conn, sess *session.Session, deps Deps) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if err := sess.OnAudioFrame(data); err != nil {
				deps.Log.Debug("invalid audio frame", zap.Error(err))
			}
		case websocket.TextMessage:
			var ev clientEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				deps.Log.Debug("invalid client event json", zap.Error(err))
				sess.Emit(model.OutboundEvent{Type: model.EventError, Text: "invalid client event json", Kind: string(dialogerr.ProtocolViolation)})
				continue
			}
			dispatchClientEvent(sess, ev, deps)
		}
	}
}

func dispatchClientEvent(sess *session.Session, ev clientEvent, deps Deps) {
	switch ev.EventType {
	case "CLIENT_TEXT_INPUT":
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(ev.EventData, &payload)
		sess.OnTextInput(payload.Text)
	case "CLIENT_SPEECH_END":
		sess.OnControl(ev.EventType)
	case "CONFIG_GET":
		emitConfigSnapshot(sess, deps)
	case "CONFIG_SET":
		if deps.Config == nil {
			return
		}
		partial, err := config.ParsePartial(ev.EventData)
		if err != nil {
			deps.Log.Debug("invalid CONFIG_SET payload", zap.Error(err))
			return
		}
		deps.Config.Set(partial)
		emitConfigSnapshot(sess, deps)
	case "MODULE_STATUS_GET":
		if deps.Config == nil {
			return
		}
		sess.Emit(model.OutboundEvent{
			Type: model.EventModuleStatus,
			Data: deps.Config.Get().ModuleStates(),
		})
	default:
		// unrecognized inbound event types are ignored rather than treated as
		// a protocol violation, matching the teacher's tolerant JSON handling
		// in ws_signaling.go's message switch.
	}
}

func emitConfigSnapshot(sess *session.Session, deps Deps) {
	if deps.Config == nil {
		return
	}
	sess.Emit(model.OutboundEvent{
		Type: model.EventConfigSnapshot,
		Data: deps.Config.Get().ToMap(),
	})
}

func writeLoop(conn *websocket.Conn, sess *session.Session, log *zap.Logger) {
	for ev := range sess.DrainOutbound() {
		if err := writeJSON(conn, toServerEvent(ev)); err != nil {
			return
		}
	}
}

func toServerEvent(ev model.OutboundEvent) serverEvent {
	data := map[string]interface{}{}
	switch ev.Type {
	case model.EventTextChunk, model.EventAsrUpdate:
		data["text"] = ev.Text
		data["is_final"] = ev.IsFinal
	case model.EventAudioChunk:
		// §6.2: SERVER_AUDIO_RESPONSE carries the audio inline as base64,
		// not as a following binary frame.
		data["data"] = base64.StdEncoding.EncodeToString(ev.Audio)
		data["codec"] = ev.Codec
		data["sample_rate"] = ev.SampleRate
	case model.EventSystemMessage:
		data["text"] = ev.Text
	case model.EventError:
		data["kind"] = ev.Kind
		data["text"] = ev.Text
	case model.EventConfigSnapshot, model.EventModuleStatus, model.EventBackpressureDropped:
		for k, v := range ev.Data {
			data[k] = v
		}
	}
	return serverEvent{EventType: string(ev.Type), EventData: data, SessionID: string(ev.SessionID), Timestamp: nowRFC3339()}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
