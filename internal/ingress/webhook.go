// Package ingress feeds normalized PR lifecycle events to the queue engine
// from three sources: signed webhook deliveries, the Forge's repository
// events feed, and an optional webhook proxy relay.
package ingress

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
)

// maxWebhookBody bounds a delivery; GitHub caps payloads at 25 MB.
const maxWebhookBody = 25 << 20

// Sink consumes normalized events. The queue engine implements it; duplicate
// deliveries are coalesced by its admission logic.
type Sink interface {
	OnEvent(ctx context.Context, ev forge.Event)
}

// IngestObserver counts accepted events by source.
type IngestObserver interface {
	RecordEventIngested(source string)
}

// WebhookHandler is the HTTP intake for Forge webhook deliveries. Every
// request is verified against the shared secret before parsing.
type WebhookHandler struct {
	secret   string
	sink     Sink
	observer IngestObserver
	logger   *slog.Logger
}

// NewWebhookHandler builds the intake. An empty secret rejects everything.
func NewWebhookHandler(secret string, sink Sink, observer IngestObserver, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{secret: secret, sink: sink, observer: observer, logger: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !forge.ValidateSignature(body, signature, h.secret) {
		h.logger.Warn("webhook signature rejected",
			slog.String("delivery", r.Header.Get("X-GitHub-Delivery")))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType != "pull_request" {
		// Verified but irrelevant; acknowledge so the Forge stops retrying.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ev, err := forge.ParsePullRequestEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", logfields.Error(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if ev == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.logger.Debug("webhook event accepted",
		logfields.Repository(ev.RepoFullName()),
		logfields.PRNumber(ev.Number),
		logfields.Event(string(ev.Kind)))
	if h.observer != nil {
		h.observer.RecordEventIngested(ev.Source)
	}
	h.sink.OnEvent(r.Context(), *ev)
	w.WriteHeader(http.StatusOK)
}
