package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"QueueID", KeyQueueID, "q1", QueueID("q1")},
		{"Queue", KeyQueue, "acme/widgets:main", Queue("acme/widgets:main")},
		{"EntryID", KeyEntryID, "e1", EntryID("e1")},
		{"HeadSHA", KeyHeadSHA, "abc123", HeadSHA("abc123")},
		{"Branch", KeyBranch, "main", Branch("main")},
		{"Check", KeyCheck, "unit", Check("unit")},
		{"CheckKind", KeyCheckKind, "local_script", CheckKind("local_script")},
		{"Stage", KeyStage, "merge", Stage("merge")},
		{"Status", KeyStatus, "running", Status("running")},
		{"Repository", KeyRepo, "acme/widgets", Repository("acme/widgets")},
		{"Source", KeySource, "webhook", Source("webhook")},
		{"Event", KeyEvent, "entry_added", Event("entry_added")},
		{"Subscriber", KeySubscriber, "ws-1", Subscriber("ws-1")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := PRNumber(42); v.Key != KeyPRNumber {
		t.Fatalf("PRNumber key mismatch: %s", v.Key)
	}
	if v := Attempt(3); v.Key != KeyAttempt {
		t.Fatalf("Attempt key mismatch: %s", v.Key)
	}
	if v := Position(0); v.Key != KeyPosition {
		t.Fatalf("Position key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
