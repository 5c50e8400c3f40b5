package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// InboundProcessor consumes messages arriving from the webhook.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, from string, text *string) error
}

// WebhookDeps holds dependencies for the WhatsApp webhook handler.
type WebhookDeps struct {
	Surveys     InboundProcessor
	VerifyToken string
	// Secret enables HMAC-SHA256 payload verification when set.
	Secret string
	Logger *slog.Logger
}

// NewWebhookHandler returns the handler for the Meta webhook endpoints.
// The GET route answers subscription verification challenges; the POST
// route receives message notifications.
func NewWebhookHandler(deps WebhookDeps) *WebhookHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	wh := &WebhookHandler{deps: deps}

	r := chi.NewRouter()
	r.Get("/webhook", wh.verify)
	r.Post("/webhook", wh.receive)
	wh.router = r
	return wh
}

// WebhookHandler serves the webhook routes and deduplicates redelivered
// message notifications.
type WebhookHandler struct {
	deps   WebhookDeps
	router chi.Router
	// seen maps processed message IDs to when they arrived; Meta retries
	// deliveries. StartCleanup evicts stale entries.
	seen sync.Map
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// StartCleanup periodically evicts dedupe entries older than ttl to bound
// memory usage. It blocks until ctx is cancelled.
func (h *WebhookHandler) StartCleanup(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evictSeenBefore(time.Now().Add(-ttl))
		}
	}
}

func (h *WebhookHandler) evictSeenBefore(cutoff time.Time) {
	h.seen.Range(func(key, value any) bool {
		if t, ok := value.(time.Time); ok && t.Before(cutoff) {
			h.seen.Delete(key)
		}
		return true
	})
}

func (h *WebhookHandler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token == h.deps.VerifyToken {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// webhookPayload mirrors the Meta Cloud API notification structure, kept
// to the fields the survey flow needs.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if h.deps.Secret != "" && !validSignature(h.deps.Secret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.deps.Logger.Warn("webhook signature mismatch")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Always acknowledge; Meta disables the webhook after repeated
	// non-200 responses. Processing errors are logged instead.
	w.WriteHeader(http.StatusOK)

	if payload.Object != "whatsapp_business_account" {
		return
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				h.process(r.Context(), msg)
			}
		}
	}
}

func (h *WebhookHandler) process(ctx context.Context, msg inboundMessage) {
	if msg.ID != "" {
		if _, dup := h.seen.LoadOrStore(msg.ID, time.Now()); dup {
			h.deps.Logger.Debug("duplicate webhook delivery", "message_id", msg.ID)
			return
		}
	}

	var text *string
	if msg.Type == "text" && msg.Text != nil {
		text = &msg.Text.Body
	}

	if err := h.deps.Surveys.HandleInbound(ctx, msg.From, text); err != nil {
		h.deps.Logger.Error("failed to process inbound message",
			"from", msg.From, "message_id", msg.ID, "error", err)
	}
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
