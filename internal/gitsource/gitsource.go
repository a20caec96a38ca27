// Package gitsource keeps local checkouts of git-hosted decks up to date.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/rs/zerolog/log"
)

// Sync clones the repository at url into localPath if it is not there yet,
// or pulls the latest changes if it is.
func Sync(ctx context.Context, url, localPath string) error {
	logger := log.Ctx(ctx).With().Str("url", url).Str("path", localPath).Logger()

	_, err := os.Stat(localPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info().Msg("git-clone")
		if _, err := git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{URL: url}); err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", url, err)
		}
	case err == nil:
		repo, err := git.PlainOpen(localPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
		}
		err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
		}
		logger.Info().Bool("changed", err == nil).Msg("git-pull")
	default:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	}
	return nil
}

// LocalPath maps a repository URL (https, http or scp-style ssh) to the
// directory under baseDir its checkout lives in.
func LocalPath(baseDir, repoURL string) (string, error) {
	host, repoPath, err := splitRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	repoPath = strings.TrimSuffix(strings.Trim(repoPath, "/"), ".git")
	if host == "" || repoPath == "" {
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	local := filepath.Join(baseDir, host, filepath.FromSlash(repoPath))
	rel, err := filepath.Rel(baseDir, local)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("git URL %s escapes %s", repoURL, baseDir)
	}
	return local, nil
}

func splitRepoURL(repoURL string) (host, path string, err error) {
	u, err := url.Parse(repoURL)
	if err == nil && (u.Scheme == "https" || u.Scheme == "http" || u.Scheme == "ssh") {
		return u.Hostname(), u.Path, nil
	}
	// scp-like: git@github.com:owner/repo.git
	if at := strings.Index(repoURL, "@"); at >= 0 {
		if hostPart, p, ok := strings.Cut(repoURL[at+1:], ":"); ok {
			return hostPart, p, nil
		}
	}
	return "", "", fmt.Errorf("could not parse git URL: %s", repoURL)
}

// IsRepoURL reports whether s looks like a git remote rather than a local path.
func IsRepoURL(s string) bool {
	_, _, err := splitRepoURL(s)
	return err == nil
}
