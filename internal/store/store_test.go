package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/imq/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "imq.db"), 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesSchemaAndPings(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(t.Context()))
	require.Equal(t, 2, s.PoolSize())
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "imq.db"), 1, nil)
	require.NoError(t, err)
	defer s.Close()

	conn, err := s.Acquire(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	s.Release(conn)
	conn2, err := s.Acquire(t.Context())
	require.NoError(t, err)
	s.Release(conn2)
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "imq.db"), 1, nil)
	require.NoError(t, err)
	defer s.Close()

	conn, err := s.Acquire(t.Context())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := s.Acquire(context.Background())
		if err == nil {
			s.Release(c)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Release(conn)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never got the released connection")
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	repo, err := s.UpsertRepository(ctx, "acme", "widgets", "main")
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", repo.FullName)

	loaded, err := s.GetRepositoryByFullName(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Equal(t, repo.ID, loaded.ID)
	require.Equal(t, repo.Owner, loaded.Owner)
	require.WithinDuration(t, repo.CreatedAt, loaded.CreatedAt, time.Millisecond)

	// Second observation keeps the identity, refreshes the default branch.
	again, err := s.UpsertRepository(ctx, "acme", "widgets", "trunk")
	require.NoError(t, err)
	require.Equal(t, repo.ID, again.ID)
	require.Equal(t, "trunk", again.DefaultBranch)

	_, err = s.GetRepositoryByFullName(ctx, "acme/ghosts")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPullRequestUpsertMutatesObservedFields(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	repo, err := s.UpsertRepository(ctx, "acme", "widgets", "main")
	require.NoError(t, err)

	pr, err := s.UpsertPullRequest(ctx, &PullRequest{
		RepositoryID: repo.ID,
		Number:       42,
		Title:        "Add widget",
		Author:       "octocat",
		BaseBranch:   "main",
		HeadBranch:   "feature",
		HeadSHA:      "b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1",
	})
	require.NoError(t, err)

	refreshed, err := s.UpsertPullRequest(ctx, &PullRequest{
		RepositoryID: repo.ID,
		Number:       42,
		Title:        "Add widget",
		Author:       "octocat",
		BaseBranch:   "main",
		HeadBranch:   "feature",
		HeadSHA:      "c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2",
		IsConflicted: true,
	})
	require.NoError(t, err)
	require.Equal(t, pr.ID, refreshed.ID, "identity survives refresh")
	require.Equal(t, "c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2", refreshed.HeadSHA)
	require.True(t, refreshed.IsConflicted)

	byNumber, err := s.GetPullRequestByNumber(ctx, repo.ID, 42)
	require.NoError(t, err)
	require.Equal(t, refreshed.HeadSHA, byNumber.HeadSHA)
}

func TestEnsureQueueIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	repo, err := s.UpsertRepository(ctx, "acme", "widgets", "main")
	require.NoError(t, err)

	q1, err := s.EnsureQueue(ctx, repo.ID, "main")
	require.NoError(t, err)
	q2, err := s.EnsureQueue(ctx, repo.ID, "main")
	require.NoError(t, err)
	require.Equal(t, q1.ID, q2.ID)

	other, err := s.EnsureQueue(ctx, repo.ID, "release/1.0")
	require.NoError(t, err)
	require.NotEqual(t, q1.ID, other.ID)

	queues, err := s.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 2)
}

func TestDeleteQueueCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	repo, _ := s.UpsertRepository(ctx, "acme", "widgets", "main")
	pr, _ := s.UpsertPullRequest(ctx, &PullRequest{
		RepositoryID: repo.ID, Number: 1, BaseBranch: "main",
		HeadSHA: "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1",
	})
	q, _ := s.EnsureQueue(ctx, repo.ID, "main")
	_, _, err := s.AppendEntry(ctx, q.ID, pr.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteQueue(ctx, q.ID))
	require.ErrorIs(t, s.DeleteQueue(ctx, q.ID), ErrNotFound)

	entries, err := s.ListEntries(ctx, q.ID)
	require.NoError(t, err)
	require.Empty(t, entries, "entries follow the queue by cascade")
}

func TestReorderRejectsDuplicateIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	repo, err := s.UpsertRepository(ctx, "acme", "widgets", "main")
	require.NoError(t, err)
	q, err := s.EnsureQueue(ctx, repo.ID, "main")
	require.NoError(t, err)

	var ids []string
	for n := 1; n <= 2; n++ {
		pr, err := s.UpsertPullRequest(ctx, &PullRequest{
			RepositoryID: repo.ID, Number: n, BaseBranch: "main",
			HeadSHA: "d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4",
		})
		require.NoError(t, err)
		entry, _, err := s.AppendEntry(ctx, q.ID, pr.ID)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	// Repeating an id matches the waiting count but is not a permutation.
	require.ErrorIs(t, s.Reorder(ctx, q.ID, []string{ids[0], ids[0]}), ErrBadReorder)

	// The real permutation still applies afterwards.
	require.NoError(t, s.Reorder(ctx, q.ID, []string{ids[1], ids[0]}))
	entries, err := s.ListEntries(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ids[1], entries[0].ID)
	require.Equal(t, ids[0], entries[1].ID)
}

func TestSystemConfigurationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.GetSystem(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	sys := &config.System{
		TriggerLabel: "merge-queue",
		MergeMethod:  config.MergeMethodSquash,
		Checks: config.CheckConfiguration{
			FailFast: true,
			Checks: []config.CheckSpec{{
				ID:         "ci",
				Kind:       config.CheckKindWorkflow,
				KindConfig: config.KindConfig{Workflow: "ci.yml"},
			}},
		},
		Templates: config.NotificationTemplates{
			Merged:       config.DefaultMergedComment,
			ChecksFailed: config.DefaultChecksFailedComment,
		},
	}
	require.NoError(t, s.PutSystem(ctx, sys))

	loaded, err := s.GetSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, "merge-queue", loaded.TriggerLabel)
	require.Equal(t, config.MergeMethodSquash, loaded.MergeMethod)
	require.True(t, loaded.Checks.FailFast)
	require.Len(t, loaded.Checks.Checks, 1)
	require.Equal(t, "ci.yml", loaded.Checks.Checks[0].KindConfig.Workflow)
	require.Equal(t, config.DefaultMergedComment, loaded.Templates.Merged)

	sys.TriggerLabel = "ship-it"
	require.NoError(t, s.PutSystem(ctx, sys))
	loaded, err = s.GetSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, "ship-it", loaded.TriggerLabel)
}

func TestPollCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	cursor, err := s.GetPollCursor(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Empty(t, cursor.ETag)
	require.Empty(t, cursor.LastEventID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	cursor.ETag = `"abc"`
	cursor.LastEventID = "30000000002"
	cursor.LastPolledAt = &now
	require.NoError(t, s.PutPollCursor(ctx, cursor))

	loaded, err := s.GetPollCursor(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Equal(t, `"abc"`, loaded.ETag)
	require.Equal(t, "30000000002", loaded.LastEventID)
	require.WithinDuration(t, now, *loaded.LastPolledAt, time.Millisecond)
}

func TestValidSHA(t *testing.T) {
	require.True(t, ValidSHA("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	require.True(t, ValidSHA("0123456789abcdef0123456789abcdef01234567"))
	require.False(t, ValidSHA("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"), "uppercase rejected")
	require.False(t, ValidSHA("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), "39 chars rejected")
	require.False(t, ValidSHA("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), "41 chars rejected")
	require.False(t, ValidSHA("zaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), "non-hex rejected")
}

func TestEpochConversion(t *testing.T) {
	now := time.Now().UTC()
	back := fromEpoch(toEpoch(now))
	require.WithinDuration(t, now, back, time.Microsecond)
}
