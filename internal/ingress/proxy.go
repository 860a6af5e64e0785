package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
)

const (
	proxyReconnectFloor   = time.Second
	proxyReconnectCeiling = time.Minute
)

// Proxy subscribes to a webhook relay (smee-style SSE channel) and replays
// deliveries through the same verification path the direct webhook intake
// uses. Useful when the daemon runs behind NAT and the Forge cannot reach it.
type Proxy struct {
	url      string
	secret   string
	sink     Sink
	observer IngestObserver
	client   *http.Client
	logger   *slog.Logger
}

// NewProxy builds a relay subscriber for the given channel URL.
func NewProxy(url, secret string, sink Sink, observer IngestObserver, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		url:      url,
		secret:   secret,
		sink:     sink,
		observer: observer,
		// No overall timeout: the stream is long-lived by design.
		client: &http.Client{},
		logger: logger,
	}
}

// Run connects and keeps reconnecting with capped exponential backoff until
// ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) {
	backoff := proxyReconnectFloor
	for {
		err := p.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("webhook proxy stream ended",
			logfields.Error(err),
			slog.Duration("reconnect_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, proxyReconnectCeiling)
	}
}

// stream holds one SSE connection open and dispatches its frames.
func (p *Proxy) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("building proxy request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to proxy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy answered %d", resp.StatusCode)
	}

	p.logger.Info("webhook proxy connected", slog.String("url", p.url))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxWebhookBody)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				p.dispatch(ctx, event, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading proxy stream: %w", err)
	}
	return fmt.Errorf("proxy stream closed")
}

// proxyDelivery is the relay's frame shape: forwarded headers plus the raw
// payload. Body stays a RawMessage so the signature verifies over the exact
// bytes the Forge signed.
type proxyDelivery struct {
	Event     string          `json:"x-github-event"`
	Signature string          `json:"x-hub-signature-256"`
	Body      json.RawMessage `json:"body"`
}

// dispatch verifies and forwards one relay frame.
func (p *Proxy) dispatch(ctx context.Context, event, data string) {
	// Channel housekeeping frames carry no delivery.
	if event == "ready" || event == "ping" {
		return
	}

	var delivery proxyDelivery
	if err := json.Unmarshal([]byte(data), &delivery); err != nil {
		p.logger.Warn("proxy frame rejected", logfields.Error(err))
		return
	}
	if delivery.Event != "pull_request" {
		return
	}
	if !forge.ValidateSignature(delivery.Body, delivery.Signature, p.secret) {
		p.logger.Warn("proxy delivery signature rejected")
		return
	}

	ev, err := forge.ParsePullRequestEvent(delivery.Body)
	if err != nil {
		p.logger.Warn("proxy payload rejected", logfields.Error(err))
		return
	}
	if ev == nil {
		return
	}
	ev.Source = "proxy"

	p.logger.Debug("proxy event accepted",
		logfields.Repository(ev.RepoFullName()),
		logfields.PRNumber(ev.Number),
		logfields.Event(string(ev.Kind)))
	if p.observer != nil {
		p.observer.RecordEventIngested(ev.Source)
	}
	p.sink.OnEvent(ctx, *ev)
}
