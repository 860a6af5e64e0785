// Package gitws provides throwaway git checkouts for local-script checks
// that need the PR's tree on disk.
package gitws

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/imq/internal/logfields"
)

// Manager clones repositories into temp directories and checks out a commit.
// Each checkout is independent; cleanup removes the directory.
type Manager struct {
	cloneBase string // e.g. https://github.com
	token     string
	logger    *slog.Logger
}

// NewManager builds a workspace manager. cloneBase is the web origin of the
// Forge ("https://github.com" for the public instance).
func NewManager(cloneBase, token string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cloneBase: cloneBase, token: token, logger: logger}
}

// Checkout clones owner/repo into a fresh temp directory and checks out sha.
// The returned cleanup removes the directory and never fails loudly.
func (m *Manager) Checkout(ctx context.Context, owner, repo, sha string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "imq-ws-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("removing workspace", slog.String("dir", dir), logfields.Error(err))
		}
	}

	url := fmt.Sprintf("%s/%s/%s.git", m.cloneBase, owner, repo)
	opts := &git.CloneOptions{URL: url, Tags: git.NoTags}
	if m.token != "" {
		// GitHub accepts any username with a token as the password.
		opts.Auth = &http.BasicAuth{Username: "imq", Password: m.token}
	}

	repository, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("cloning %s: %w", url, err)
	}

	wt, err := repository.Worktree()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true}); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("checking out %s: %w", sha, err)
	}

	m.logger.Debug("workspace ready",
		logfields.Repository(owner+"/"+repo),
		logfields.HeadSHA(sha),
		slog.String("dir", dir))
	return dir, cleanup, nil
}
