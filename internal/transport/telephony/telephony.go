// Package telephony implements the optional Twilio webhook ingress
// bridge (§6.1 supplement), off by default (transport.telephony.enabled).
//
// Grounded on the teacher's internal/middleware/twilio_sig.go signature
// validation (HMAC-SHA1 over the sorted-params string Twilio signs) and
// its root main.go's webhook-handler shape, deliberately not reusing the
// twilio-go SDK or the echo framework: a two-route webhook bridge has no
// routing complexity that would justify a second HTTP framework next to
// the WebSocket transport's own net/http mux, and TwiML is just XML.
package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/chadiek/voxdialog/internal/model"
	"github.com/chadiek/voxdialog/internal/session"
)

// validateSignature verifies a Twilio webhook request's X-Twilio-Signature
// header: HMAC-SHA1 over the request URL concatenated with each sorted
// form parameter's key+value, base64-encoded.
func validateSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
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
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Config configures the bridge.
type Config struct {
	AuthToken string
	// StreamURL is echoed into the initial TwiML <Connect><Stream> response
	// pointing Twilio's Media Streams back at the WebSocket transport.
	StreamURL string
}

// Bridge answers Twilio's voice webhook with TwiML that opens a Media
// Stream carrying the call SID as session_id, so the session the ws
// transport creates for that stream is registered under the SID. The
// Bridge itself creates no session; its registry is used only to tear the
// session down on a call-status callback.
type Bridge struct {
	cfg      Config
	registry *session.Registry
	log      *zap.Logger
}

// New constructs a Bridge.
func New(cfg Config, registry *session.Registry, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{cfg: cfg, registry: registry, log: log}
}

// VoiceWebhook handles Twilio's call-status voice webhook: validates the
// signature, then responds with TwiML instructing Twilio to open a Media
// Stream to the WebSocket transport, tagged with the call SID as the
// session id.
func (b *Bridge) VoiceWebhook(w http.ResponseWriter, r *http.Request) {
	params, ok := b.readAndValidate(w, r)
	if !ok {
		return
	}
	callSID := params["CallSid"]

	twiml := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s?session_id=%s"/></Connect></Response>`,
		b.cfg.StreamURL, callSID,
	)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

// StatusWebhook handles Twilio's call-status-callback webhook: on a
// terminal status, destroys the session registered under the call SID.
func (b *Bridge) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	params, ok := b.readAndValidate(w, r)
	if !ok {
		return
	}
	switch params["CallStatus"] {
	case "completed", "failed", "busy", "no-answer", "canceled":
		b.registry.Destroy(model.SessionId(params["CallSid"]))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) readAndValidate(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "failed to parse form data", http.StatusBadRequest)
		return nil, false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	signature := r.Header.Get("X-Twilio-Signature")
	fullURL := fmt.Sprintf("https://%s%s", r.Host, r.URL.Path)
	if !validateSignature(b.cfg.AuthToken, signature, fullURL, params) {
		b.log.Warn("rejected twilio webhook: bad signature", zap.String("path", r.URL.Path))
		http.Error(w, "invalid twilio signature", http.StatusUnauthorized)
		return nil, false
	}
	return params, true
}
