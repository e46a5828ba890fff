// Package asr implements the ASR capability against AssemblyAI's v3
// streaming endpoint, grounded on the teacher's
// internal/transcript/assemblyai.go. The teacher's service ran for the
// lifetime of a call and did its own silence-based end-of-utterance
// detection; here the Turn Segmenter already owns EOS, so Recognize opens
// one short-lived streaming session per already-closed SpeechSegment,
// writes its PCM, and collects AssemblyAI's own turn-final transcript —
// the same wire protocol, scoped to one segment instead of one call.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/model"
)

// turnMessage mirrors the teacher's TurnMessage wire shape.
type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
	EndOfTurn     bool   `json:"end_of_turn"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Client implements capability.ASR over AssemblyAI's streaming websocket.
type Client struct {
	APIKey string
}

// New returns a Client for the given API key.
func New(apiKey string) *Client {
	return &Client{APIKey: apiKey}
}

// Factory adapts New to capability.Factory for registry wiring.
func Factory(cfg map[string]any) (capability.Provider, error) {
	key, _ := cfg["api_key"].(string)
	return New(key), nil
}

// Recognize implements capability.ASR: dials AssemblyAI, streams the
// segment's PCM as binary frames, and returns once a turn-final transcript
// (or termination) arrives, honoring ctx cancellation between reads.
func (c *Client) Recognize(ctx context.Context, segment model.SpeechSegment, sampleRate int, language string) (model.Transcript, error) {
	if c.APIKey == "" {
		return model.Transcript{}, fmt.Errorf("asr: assemblyai api key not configured")
	}

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {c.APIKey}})
	if err != nil {
		return model.Transcript{}, fmt.Errorf("asr: connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	samples := segment.PCM16()
	pcmBytes := int16SliceToLEBytes(samples)
	const chunk = 3200 // ~100ms at 16kHz mono 16-bit
	for off := 0; off < len(pcmBytes); off += chunk {
		end := off + chunk
		if end > len(pcmBytes) {
			end = len(pcmBytes)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcmBytes[off:end]); err != nil {
			return model.Transcript{}, fmt.Errorf("asr: send audio: %w", err)
		}
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))

	var last string
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if last != "" {
				return model.Transcript{SegmentID: segment.ID, Text: last, Language: language, IsFinal: true}, nil
			}
			return model.Transcript{}, fmt.Errorf("asr: read: %w", err)
		}
		var probe struct{ Type string `json:"type"` }
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "Turn":
			var tm turnMessage
			if err := json.Unmarshal(raw, &tm); err == nil && tm.Transcript != "" {
				last = tm.Transcript
			}
		case "Termination":
			return model.Transcript{SegmentID: segment.ID, Text: last, Language: language, IsFinal: true}, nil
		case "Error":
			var em errorMessage
			_ = json.Unmarshal(raw, &em)
			return model.Transcript{}, fmt.Errorf("asr: provider error: %s", em.Error)
		}
	}
}

func int16SliceToLEBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

var _ capability.ASR = (*Client)(nil)
