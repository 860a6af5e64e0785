package version

import "testing"

func TestVersionDefaults(t *testing.T) {
	// Until ldflags set them, all three carry the "unknown" placeholder.
	for name, v := range map[string]string{
		"Version":   Version,
		"BuildTime": BuildTime,
		"GitCommit": GitCommit,
	} {
		if v == "" {
			t.Errorf("%s should never be empty", name)
		}
	}
}
