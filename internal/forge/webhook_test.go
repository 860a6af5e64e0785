package forge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"action":"labeled","number":42}`)
	sig := SignPayload(payload, "s3cret")

	require.True(t, ValidateSignature(payload, sig, "s3cret"))
}

func TestValidateSignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"action":"labeled","number":42}`)
	sig := SignPayload(payload, "s3cret")

	// Any single-byte change in the body must fail.
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if ValidateSignature(mutated, sig, "s3cret") {
			t.Fatalf("accepted payload mutated at byte %d", i)
		}
	}

	// A different secret must fail.
	require.False(t, ValidateSignature(payload, sig, "s3cret2"))
	require.False(t, ValidateSignature(payload, sig, ""))
}

func TestValidateSignatureRejectsMalformedHeader(t *testing.T) {
	payload := []byte(`{}`)
	require.False(t, ValidateSignature(payload, "", "s3cret"))
	require.False(t, ValidateSignature(payload, "sha1=deadbeef", "s3cret"))
	require.False(t, ValidateSignature(payload, "sha256=nothex!", "s3cret"))
}

func pullRequestPayload(action string) []byte {
	return []byte(`{
		"action": "` + action + `",
		"number": 42,
		"label": {"name": "merge-queue"},
		"pull_request": {
			"number": 42,
			"head": {"ref": "feature", "sha": "` + testSHA + `"},
			"base": {"ref": "main"}
		},
		"repository": {"full_name": "acme/widgets", "name": "widgets", "owner": {"login": "acme"}}
	}`)
}

func TestParsePullRequestEventActions(t *testing.T) {
	cases := []struct {
		action string
		want   EventKind
	}{
		{"labeled", EventLabelAdded},
		{"unlabeled", EventLabelRemoved},
		{"closed", EventPRClosed},
		{"synchronize", EventPRUpdated},
		{"reopened", EventPRUpdated},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			ev, err := ParsePullRequestEvent(pullRequestPayload(tc.action))
			require.NoError(t, err)
			require.NotNil(t, ev)
			require.Equal(t, tc.want, ev.Kind)
			require.Equal(t, "acme", ev.Owner)
			require.Equal(t, "widgets", ev.Repo)
			require.Equal(t, 42, ev.Number)
			require.Equal(t, testSHA, ev.HeadSHA)
		})
	}
}

func TestParsePullRequestEventSkipsUnknownActions(t *testing.T) {
	ev, err := ParsePullRequestEvent(pullRequestPayload("review_requested"))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestParsePullRequestEventLabel(t *testing.T) {
	ev, err := ParsePullRequestEvent(pullRequestPayload("labeled"))
	require.NoError(t, err)
	require.Equal(t, "merge-queue", ev.Label)
}

func TestParsePullRequestEventRejectsGarbage(t *testing.T) {
	_, err := ParsePullRequestEvent([]byte(`{]`))
	require.Error(t, err)

	_, err = ParsePullRequestEvent([]byte(`{"action":"labeled"}`))
	require.Error(t, err, "missing repository must be a decode error")
}

func feedBody() []byte {
	return []byte(`[
		{
			"id": "30000000002",
			"type": "PullRequestEvent",
			"repo": {"name": "acme/widgets"},
			"created_at": "2026-08-24T10:00:00Z",
			"payload": {
				"action": "labeled",
				"number": 42,
				"label": {"name": "merge-queue"},
				"pull_request": {"number": 42, "head": {"sha": "` + testSHA + `"}}
			}
		},
		{
			"id": "30000000001",
			"type": "PushEvent",
			"repo": {"name": "acme/widgets"},
			"payload": {}
		}
	]`)
}

func TestParseRepoEvents(t *testing.T) {
	events, err := ParseRepoEvents(feedBody(), "")
	require.NoError(t, err)
	require.Len(t, events, 1, "non-PR feed items are skipped")

	fe := events[0]
	require.Equal(t, "30000000002", fe.ID)
	require.Equal(t, EventLabelAdded, fe.Event.Kind)
	require.Equal(t, "acme", fe.Event.Owner)
	require.Equal(t, "widgets", fe.Event.Repo)
	require.Equal(t, "polling", fe.Event.Source)
}

func TestParseRepoEventsCursorFiltering(t *testing.T) {
	events, err := ParseRepoEvents(feedBody(), "30000000002")
	require.NoError(t, err)
	require.Empty(t, events, "items at or before the cursor are deduplicated")

	events, err = ParseRepoEvents(feedBody(), "30000000001")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFeedIDOrdering(t *testing.T) {
	require.True(t, feedIDAfter("10", "9"), "longer ids are later")
	require.True(t, feedIDAfter("21", "20"))
	require.False(t, feedIDAfter("20", "21"))
	require.False(t, feedIDAfter("9", "10"))
	require.True(t, feedIDAfter("1", ""))
}
