package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyQueueID    = "queue_id"
	KeyQueue      = "queue"
	KeyEntryID    = "entry_id"
	KeyPRNumber   = "pr_number"
	KeyHeadSHA    = "head_sha"
	KeyBranch     = "branch"
	KeyCheck      = "check"
	KeyCheckKind  = "check_kind"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyDurationMS = "duration_ms"
	KeyRepo       = "repository"
	KeySource     = "source"
	KeyEvent      = "event"
	KeySubscriber = "subscriber"
	KeyAttempt    = "attempt"
	KeyPosition   = "position"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func QueueID(id string) slog.Attr      { return slog.String(KeyQueueID, id) }
func Queue(name string) slog.Attr      { return slog.String(KeyQueue, name) }
func EntryID(id string) slog.Attr      { return slog.String(KeyEntryID, id) }
func PRNumber(n int) slog.Attr         { return slog.Int(KeyPRNumber, n) }
func HeadSHA(sha string) slog.Attr     { return slog.String(KeyHeadSHA, sha) }
func Branch(b string) slog.Attr        { return slog.String(KeyBranch, b) }
func Check(name string) slog.Attr      { return slog.String(KeyCheck, name) }
func CheckKind(k string) slog.Attr     { return slog.String(KeyCheckKind, k) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr        { return slog.String(KeyStatus, s) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func Source(s string) slog.Attr        { return slog.String(KeySource, s) }
func Event(e string) slog.Attr         { return slog.String(KeyEvent, e) }
func Subscriber(name string) slog.Attr { return slog.String(KeySubscriber, name) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func Position(p int) slog.Attr         { return slog.Int(KeyPosition, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
