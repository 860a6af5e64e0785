package ingress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []forge.Event
}

func (s *captureSink) OnEvent(_ context.Context, ev forge.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []forge.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]forge.Event(nil), s.events...)
}

const testSecret = "hunter2"

func labeledPayload(number int) []byte {
	return fmt.Appendf(nil, `{
		"action": "labeled",
		"number": %d,
		"label": {"name": "merge-queue"},
		"pull_request": {"number": %d, "head": {"sha": "%040d"}},
		"repository": {"full_name": "acme/widgets"}
	}`, number, number, number)
}

func postWebhook(t *testing.T, h http.Handler, payload []byte, sign bool, eventType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(payload)))
	req.Header.Set("X-GitHub-Event", eventType)
	if sign {
		req.Header.Set("X-Hub-Signature-256", forge.SignPayload(payload, testSecret))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsSignedDelivery(t *testing.T) {
	sink := &captureSink{}
	h := NewWebhookHandler(testSecret, sink, nil, nil)

	rec := postWebhook(t, h, labeledPayload(7), true, "pull_request")
	assert.Equal(t, http.StatusOK, rec.Code)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, forge.EventLabelAdded, events[0].Kind)
	assert.Equal(t, "acme/widgets", events[0].RepoFullName())
	assert.Equal(t, 7, events[0].Number)
	assert.Equal(t, "webhook", events[0].Source)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	sink := &captureSink{}
	h := NewWebhookHandler(testSecret, sink, nil, nil)

	rec := postWebhook(t, h, labeledPayload(7), false, "pull_request")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sink.all())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(labeledPayload(7))))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sink.all())
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	sink := &captureSink{}
	h := NewWebhookHandler(testSecret, sink, nil, nil)

	rec := postWebhook(t, h, []byte(`{"zen":"keep it simple"}`), true, "ping")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, sink.all())
}

func TestWebhookIgnoresUninterestingActions(t *testing.T) {
	sink := &captureSink{}
	h := NewWebhookHandler(testSecret, sink, nil, nil)

	payload := []byte(`{
		"action": "assigned",
		"number": 3,
		"pull_request": {"number": 3},
		"repository": {"full_name": "acme/widgets"}
	}`)
	rec := postWebhook(t, h, payload, true, "pull_request")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, sink.all())
}

type fakeFeed struct {
	mu        sync.Mutex
	responses []*forge.Response
	errs      []error
	seeded    string
	calls     int
}

func (f *fakeFeed) RepoEvents(_ context.Context, _, _ string, _ int) (*forge.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &forge.Response{StatusCode: http.StatusNotModified, NotModified: true}, nil
}

func (f *fakeFeed) SeedRepoEventsETag(_, _ string, _ int, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = etag
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]store.PollCursor
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]store.PollCursor)}
}

func (m *memCursors) GetPollCursor(_ context.Context, repository string) (*store.PollCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[repository]
	if !ok {
		return &store.PollCursor{Repository: repository}, nil
	}
	return &c, nil
}

func (m *memCursors) PutPollCursor(_ context.Context, cursor *store.PollCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursor.Repository] = *cursor
	return nil
}

func feedBody(ids ...string) []byte {
	var items []string
	for i, id := range ids {
		items = append(items, fmt.Sprintf(`{
			"id": %q,
			"type": "PullRequestEvent",
			"repo": {"name": "acme/widgets"},
			"created_at": "2026-08-26T10:0%d:00Z",
			"payload": {
				"action": "labeled",
				"number": %d,
				"label": {"name": "merge-queue"},
				"pull_request": {"number": %d, "head": {"sha": "%040d"}}
			}
		}`, id, i, i+1, i+1, i+1))
	}
	return []byte("[" + strings.Join(items, ",") + "]")
}

func TestPollerDeliversOldestFirstAndAdvancesCursor(t *testing.T) {
	sink := &captureSink{}
	cursors := newMemCursors()
	feed := &fakeFeed{responses: []*forge.Response{
		{StatusCode: http.StatusOK, Body: feedBody("102", "101"), ETag: `"e1"`},
	}}
	p := NewPoller(feed, cursors, sink, nil, nil, time.Second, nil)

	cursor, err := cursors.GetPollCursor(t.Context(), "acme/widgets")
	require.NoError(t, err)
	delivered, err := p.pollOnce(t.Context(), config.RepoRef{Owner: "acme", Name: "widgets"}, cursor, p.logger)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Number)
	assert.Equal(t, 1, events[1].Number)
	assert.Equal(t, "polling", events[0].Source)

	saved, err := cursors.GetPollCursor(t.Context(), "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "102", saved.LastEventID)
	assert.Equal(t, `"e1"`, saved.ETag)
}

func TestPollerSkipsAlreadySeenEvents(t *testing.T) {
	sink := &captureSink{}
	cursors := newMemCursors()
	require.NoError(t, cursors.PutPollCursor(t.Context(), &store.PollCursor{
		Repository:  "acme/widgets",
		LastEventID: "101",
	}))
	feed := &fakeFeed{responses: []*forge.Response{
		{StatusCode: http.StatusOK, Body: feedBody("102", "101")},
	}}
	p := NewPoller(feed, cursors, sink, nil, nil, time.Second, nil)

	cursor, err := cursors.GetPollCursor(t.Context(), "acme/widgets")
	require.NoError(t, err)
	delivered, err := p.pollOnce(t.Context(), config.RepoRef{Owner: "acme", Name: "widgets"}, cursor, p.logger)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Number)
}

func TestPollerNotModifiedDeliversNothing(t *testing.T) {
	sink := &captureSink{}
	cursors := newMemCursors()
	feed := &fakeFeed{responses: []*forge.Response{
		{StatusCode: http.StatusNotModified, NotModified: true, ETag: `"e1"`},
	}}
	p := NewPoller(feed, cursors, sink, nil, nil, time.Second, nil)

	cursor, err := cursors.GetPollCursor(t.Context(), "acme/widgets")
	require.NoError(t, err)
	delivered, err := p.pollOnce(t.Context(), config.RepoRef{Owner: "acme", Name: "widgets"}, cursor, p.logger)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Empty(t, sink.all())
	assert.NotNil(t, cursor.LastPolledAt)
}

func TestPollerSeedsPersistedETag(t *testing.T) {
	sink := &captureSink{}
	cursors := newMemCursors()
	require.NoError(t, cursors.PutPollCursor(t.Context(), &store.PollCursor{
		Repository: "acme/widgets",
		ETag:       `"persisted"`,
	}))
	feed := &fakeFeed{}
	repos := []config.RepoRef{{Owner: "acme", Name: "widgets"}}
	p := NewPoller(feed, cursors, sink, nil, repos, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(t.Context())
	p.Start(ctx)
	assert.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.seeded == `"persisted"` && feed.calls > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	p.Wait()
}

func TestProxyReplaysSignedDeliveries(t *testing.T) {
	payload := labeledPayload(9)
	frame := fmt.Sprintf(`{"x-github-event":"pull_request","x-hub-signature-256":%q,"body":%s}`,
		forge.SignPayload(payload, testSecret), payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ready\ndata: {}\n\n")
		fmt.Fprintf(w, "data: %s\n\n", frame)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := NewProxy(srv.URL, testSecret, sink, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, forge.EventLabelAdded, events[0].Kind)
	assert.Equal(t, 9, events[0].Number)
	assert.Equal(t, "proxy", events[0].Source)
}

func TestProxyDropsTamperedDeliveries(t *testing.T) {
	payload := labeledPayload(9)
	tampered := strings.Replace(string(payload), `"number": 9`, `"number": 10`, 1)
	frame := fmt.Sprintf(`{"x-github-event":"pull_request","x-hub-signature-256":%q,"body":%s}`,
		forge.SignPayload(payload, testSecret), tampered)

	sink := &captureSink{}
	p := NewProxy("http://unused", testSecret, sink, nil, nil)
	p.dispatch(t.Context(), "", frame)
	assert.Empty(t, sink.all())
}
