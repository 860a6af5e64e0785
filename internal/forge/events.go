package forge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind classifies normalized PR lifecycle events.
type EventKind string

const (
	EventLabelAdded   EventKind = "label_added"
	EventLabelRemoved EventKind = "label_removed"
	EventPRUpdated    EventKind = "pr_updated"
	EventPRClosed     EventKind = "pr_closed"
)

// Event is a normalized PR lifecycle event fed to the queue engine. Both
// ingress sources (webhook and polling) produce the same shape; the engine's
// admission logic makes duplicates harmless.
type Event struct {
	Kind    EventKind
	Owner   string
	Repo    string
	Number  int
	HeadSHA string
	Label   string
	Source  string
}

// RepoFullName returns owner/repo.
func (e Event) RepoFullName() string { return e.Owner + "/" + e.Repo }

// wire shape of a pull_request webhook payload.
type wirePullRequestEvent struct {
	Action      string          `json:"action"`
	Number      int             `json:"number"`
	Label       wireLabel       `json:"label"`
	PullRequest wirePullRequest `json:"pull_request"`
	Repository  wireRepo        `json:"repository"`
}

// ParsePullRequestEvent maps a pull_request webhook payload onto zero or one
// normalized events. Unknown actions are skipped, not errors: the Forge sends
// many actions the queue does not care about.
func ParsePullRequestEvent(payload []byte) (*Event, error) {
	var wire wirePullRequestEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, &APIError{Kind: KindDecode, Message: "decoding pull_request event", cause: err}
	}
	if wire.Repository.FullName == "" {
		return nil, &APIError{Kind: KindDecode, Message: "pull_request event missing repository"}
	}

	owner, repo, ok := strings.Cut(wire.Repository.FullName, "/")
	if !ok {
		owner = wire.Repository.Owner.Login
		repo = wire.Repository.Name
	}

	number := wire.Number
	if number == 0 {
		number = wire.PullRequest.Number
	}

	ev := Event{
		Owner:   owner,
		Repo:    repo,
		Number:  number,
		HeadSHA: wire.PullRequest.Head.SHA,
		Label:   wire.Label.Name,
		Source:  "webhook",
	}

	switch wire.Action {
	case "labeled":
		ev.Kind = EventLabelAdded
	case "unlabeled":
		ev.Kind = EventLabelRemoved
	case "closed":
		ev.Kind = EventPRClosed
	case "synchronize", "reopened", "edited":
		ev.Kind = EventPRUpdated
	default:
		return nil, nil
	}
	return &ev, nil
}

// wire shape of one item in the repository events feed.
type wireFeedItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// FeedEvent pairs a normalized event with its feed cursor id.
type FeedEvent struct {
	ID        string
	CreatedAt time.Time
	Event     *Event
}

// ParseRepoEvents maps a repository events feed onto normalized events,
// newest first as the Forge returns them. Items whose id is lexically <=
// sinceID are skipped (the feed id is a monotonically increasing integer in
// string form, so numeric length then lexical order is compared).
func ParseRepoEvents(body []byte, sinceID string) ([]FeedEvent, error) {
	var items []wireFeedItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &APIError{Kind: KindDecode, Message: "decoding events feed", cause: err}
	}

	var out []FeedEvent
	for _, item := range items {
		if item.Type != "PullRequestEvent" {
			continue
		}
		if !feedIDAfter(item.ID, sinceID) {
			continue
		}
		ev, err := ParsePullRequestEvent(wrapFeedPayload(item))
		if err != nil || ev == nil {
			continue
		}
		ev.Source = "polling"
		out = append(out, FeedEvent{ID: item.ID, CreatedAt: item.CreatedAt, Event: ev})
	}
	return out, nil
}

// wrapFeedPayload grafts the feed item's repo name into the payload so the
// shared parser sees the same shape a webhook delivers.
func wrapFeedPayload(item wireFeedItem) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return item.Payload
	}
	if _, ok := payload["repository"]; !ok {
		repo := fmt.Sprintf(`{"full_name":%q}`, item.Repo.Name)
		payload["repository"] = json.RawMessage(repo)
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return item.Payload
	}
	return merged
}

// feedIDAfter reports whether id comes after since in feed order.
func feedIDAfter(id, since string) bool {
	if since == "" {
		return true
	}
	if len(id) != len(since) {
		return len(id) > len(since)
	}
	return id > since
}
