package config

import "time"

// Default notification comment bodies posted on the PR.
const (
	DefaultMergedComment       = "✅ Successfully merged via IMQ!"
	DefaultChecksFailedComment = "❌ Checks failed. Removed from merge queue."
	DefaultUpdateFailedComment = "❌ Could not update the branch onto the latest base. Removed from merge queue."
	DefaultMergeFailedComment  = "❌ Merge failed. Removed from merge queue."
)

// NotificationTemplates holds the comment bodies used by the queue pipeline.
type NotificationTemplates struct {
	Merged       string `json:"merged"`
	ChecksFailed string `json:"checks_failed"`
	UpdateFailed string `json:"update_failed"`
	MergeFailed  string `json:"merge_failed"`
}

// System is the single mutable runtime configuration row. The webhook fields
// are read-only copies of the environment, included so API consumers see the
// effective values.
type System struct {
	TriggerLabel    string                `json:"trigger_label"`
	MergeMethod     MergeMethod           `json:"merge_method"`
	Checks          CheckConfiguration    `json:"checks"`
	Templates       NotificationTemplates `json:"templates"`
	WebhookSecret   string                `json:"-"`
	WebhookProxyURL string                `json:"webhook_proxy_url,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// DefaultSystem derives the initial runtime configuration from the
// environment configuration.
func DefaultSystem(c *Config) System {
	return System{
		TriggerLabel: c.TriggerLabel,
		MergeMethod:  c.MergeMethod,
		Checks:       CheckConfiguration{},
		Templates: NotificationTemplates{
			Merged:       DefaultMergedComment,
			ChecksFailed: DefaultChecksFailedComment,
			UpdateFailed: DefaultUpdateFailedComment,
			MergeFailed:  DefaultMergeFailedComment,
		},
		WebhookSecret:   c.WebhookSecret,
		WebhookProxyURL: c.WebhookProxyURL,
		UpdatedAt:       time.Now().UTC(),
	}
}

// Normalize fills gaps left by partial API updates so the pipeline never
// observes empty templates or an invalid merge method.
func (s *System) Normalize(c *Config) {
	if s.TriggerLabel == "" {
		s.TriggerLabel = c.TriggerLabel
	}
	switch s.MergeMethod {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
	default:
		s.MergeMethod = c.MergeMethod
	}
	if s.Templates.Merged == "" {
		s.Templates.Merged = DefaultMergedComment
	}
	if s.Templates.ChecksFailed == "" {
		s.Templates.ChecksFailed = DefaultChecksFailedComment
	}
	if s.Templates.UpdateFailed == "" {
		s.Templates.UpdateFailed = DefaultUpdateFailedComment
	}
	if s.Templates.MergeFailed == "" {
		s.Templates.MergeFailed = DefaultMergeFailedComment
	}
	s.WebhookSecret = c.WebhookSecret
	s.WebhookProxyURL = c.WebhookProxyURL
}
