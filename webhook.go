package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook receiver
// ============================================================================
//
// Server-side integrations (marketplace bots, auto-responders) receive
// message events as signed webhook posts instead of holding a websocket.
// The payload is the same event envelope the push channel carries, so a
// verified webhook feeds the identical serialized dispatch path.

// signatureHeader carries the HMAC-SHA256 signature of the request body.
const signatureHeader = "X-Chatsync-Signature"

// EventSink accepts decoded wire envelopes. *Router satisfies it.
type EventSink interface {
	DispatchEnvelope(env Envelope) bool
}

// VerifyWebhookSignature verifies a webhook body signature using
// HMAC-SHA256 with constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEnvelope parses a raw webhook body into an event envelope.
func ParseWebhookEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing event type in webhook payload")
	}
	return env, nil
}

// Webhook verifies, parses, and forwards webhook deliveries into an
// EventSink.
type Webhook struct {
	secret string
	sink   EventSink
}

// NewWebhook creates a webhook receiver.
func NewWebhook(secret string, sink EventSink) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	return &Webhook{secret: secret, sink: sink}, nil
}

// Verify checks an HMAC-SHA256 signature against the shared secret.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one delivery (verify + parse + dispatch). Returns the
// status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	env, err := ParseWebhookEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.sink.DispatchEnvelope(env)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook deliveries.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook(secret, session.Router())
//	http.Handle("/chat/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(signatureHeader))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
