package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/imq/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		GitHubToken:      "ghp_testtoken",
		Repositories:     []string{"acme/widgets"},
		APIBaseURL:       "https://api.github.com",
		CloneBaseURL:     "https://github.com",
		Mode:             config.ModePolling,
		PollInterval:     15 * time.Second,
		TriggerLabel:     "merge-queue",
		MergeMethod:      config.MergeMethodSquash,
		DatabasePath:     filepath.Join(t.TempDir(), "imq.db"),
		DatabasePoolSize: 2,
		APIHost:          "127.0.0.1",
		APIPort:          0,
		ShutdownGrace:    time.Second,
		NATSSubject:      "imq.events",
	}
}

func TestNewWiresComponents(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.closeEarly)

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.engine)
	assert.NotNil(t, d.server)
	assert.NotNil(t, d.poller, "polling mode wires the feed poller")
	assert.Nil(t, d.proxy, "no proxy without a proxy URL")
	assert.Nil(t, d.watcher, "no watcher without a checks file")

	// First boot seeds the runtime configuration and persists it.
	sys, err := d.store.GetSystem(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "merge-queue", sys.TriggerLabel)
	assert.Equal(t, "merge-queue", d.runtime.Get().TriggerLabel)
}

func TestNewWebhookModeSkipsPoller(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeWebhook
	cfg.WebhookSecret = "hunter2"

	d, err := New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.closeEarly)

	assert.Nil(t, d.poller)
}

func TestNewImportsChecksFileAtBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChecksFile = filepath.Join(t.TempDir(), "checks.yaml")
	require.NoError(t, os.WriteFile(cfg.ChecksFile, []byte(checkFileOne), 0o644))

	d, err := New(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, d.watcher)
	d.watcher.Start(t.Context())
	t.Cleanup(func() {
		d.watcher.Stop()
		d.closeEarly()
	})

	assert.Len(t, d.runtime.Get().Checks.Checks, 1)
	assert.Equal(t, "unit", d.runtime.Get().Checks.Checks[0].ID)
}
