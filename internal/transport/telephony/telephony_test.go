package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/chadiek/voxdialog/internal/model"
	"github.com/chadiek/voxdialog/internal/session"
)

type fakeVAD struct{}

func (fakeVAD) Detect(window []int16) (float64, error) { return 0, nil }

type fakeASR struct{}

func (fakeASR) Recognize(ctx context.Context, segment model.SpeechSegment, sampleRate int, language string) (model.Transcript, error) {
	return model.Transcript{}, nil
}

type fakeLLM struct{}

func (fakeLLM) Generate(ctx context.Context, systemPrompt string, hist []model.HistoryEntry, userText string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error)
	close(tokens)
	close(errs)
	return tokens, errs
}

type fakeTTS struct{}

func (fakeTTS) Synthesize(ctx context.Context, text string, voice string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte)
	errs := make(chan error)
	close(audio)
	close(errs)
	return audio, errs
}
func (fakeTTS) Format() (string, int) { return "pcm16", 16000 }

func signRequest(authToken, fullURL string, params map[string]string) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature_AcceptsCorrectSignature(t *testing.T) {
	params := map[string]string{"CallSid": "CA123", "CallStatus": "in-progress"}
	url := "https://example.com/telephony/voice"
	sig := signRequest("secret", url, params)
	if !validateSignature("secret", sig, url, params) {
		t.Fatalf("expected a correctly computed signature to validate")
	}
}

func TestValidateSignature_RejectsTamperedParams(t *testing.T) {
	params := map[string]string{"CallSid": "CA123"}
	url := "https://example.com/telephony/voice"
	sig := signRequest("secret", url, params)
	params["CallSid"] = "CA999"
	if validateSignature("secret", sig, url, params) {
		t.Fatalf("expected a tampered parameter set to fail validation")
	}
}

func TestValidateSignature_RejectsMissingAuthTokenOrSignature(t *testing.T) {
	if validateSignature("", "sig", "https://x", nil) {
		t.Fatalf("expected empty auth token to fail")
	}
	if validateSignature("secret", "", "https://x", nil) {
		t.Fatalf("expected empty signature to fail")
	}
}

func postForm(t *testing.T, bridge *Bridge, handler http.HandlerFunc, path string, params map[string]string, authToken string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "http://example.com"+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fullURL := "https://example.com" + path
	req.Header.Set("X-Twilio-Signature", signRequest(authToken, fullURL, params))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestVoiceWebhook_RespondsWithTwiMLStream(t *testing.T) {
	registry := session.NewRegistry()
	bridge := New(Config{AuthToken: "secret", StreamURL: "wss://example.com/session"}, registry, nil)

	w := postForm(t, bridge, bridge.VoiceWebhook, "/telephony/voice", map[string]string{"CallSid": "CA123"}, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "wss://example.com/session?session_id=CA123") {
		t.Fatalf("expected TwiML to point back at the stream URL with the call sid, got %s", w.Body.String())
	}
}

func TestVoiceWebhook_RejectsBadSignature(t *testing.T) {
	registry := session.NewRegistry()
	bridge := New(Config{AuthToken: "secret"}, registry, nil)

	req := httptest.NewRequest(http.MethodPost, "http://example.com/telephony/voice", strings.NewReader("CallSid=CA123"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	w := httptest.NewRecorder()
	bridge.VoiceWebhook(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", w.Code)
	}
}

func TestStatusWebhook_DestroysSessionOnTerminalStatus(t *testing.T) {
	registry := session.NewRegistry()
	sess := session.New(model.SessionId("CA123"), fakeVAD{}, fakeASR{}, fakeLLM{}, fakeTTS{}, nil, session.Config{}, nil)
	if err := registry.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	bridge := New(Config{AuthToken: "secret"}, registry, nil)
	w := postForm(t, bridge, bridge.StatusWebhook, "/telephony/status", map[string]string{"CallSid": "CA123", "CallStatus": "completed"}, "secret")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if registry.Get("CA123") != nil {
		t.Fatalf("expected the session to be destroyed on a terminal call status")
	}
}

func TestStatusWebhook_KeepsSessionOnNonTerminalStatus(t *testing.T) {
	registry := session.NewRegistry()
	sess := session.New(model.SessionId("CA456"), fakeVAD{}, fakeASR{}, fakeLLM{}, fakeTTS{}, nil, session.Config{}, nil)
	if err := registry.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer registry.Destroy("CA456")

	bridge := New(Config{AuthToken: "secret"}, registry, nil)
	postForm(t, bridge, bridge.StatusWebhook, "/telephony/status", map[string]string{"CallSid": "CA456", "CallStatus": "in-progress"}, "secret")
	if registry.Get("CA456") == nil {
		t.Fatalf("expected the session to survive a non-terminal call status")
	}
}
