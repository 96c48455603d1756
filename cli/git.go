package cli

// This file contains Git integration utilities for filling in the pull
// request the GitHub pipe comments on.

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/perfgo/testpipe/config"
)

// detectGitHub fills in the repository from the origin remote and the
// pull request number from GITHUB_REF when they are not configured.
func (a *App) detectGitHub(cfg *config.GitHubConfig) {
	if cfg.Token == "" {
		return
	}
	if cfg.Repository == "" {
		remote, err := a.getGitRemote()
		if err != nil {
			a.logger.Debug().Err(err).Msg("Could not detect GitHub repository")
		} else if repo, ok := parseGitHubRemote(remote); ok {
			cfg.Repository = repo
		}
	}
	if cfg.PRNumber == 0 {
		if n, ok := pullRequestFromRef(os.Getenv("GITHUB_REF")); ok {
			cfg.PRNumber = n
		}
	}
}

func (a *App) getGitRemote() (string, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git remote: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// parseGitHubRemote returns owner/repo of a github.com remote URL in
// either the https or the ssh form.
func parseGitHubRemote(remote string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		rest = strings.TrimPrefix(remote, "git@github.com:")
	case strings.HasPrefix(remote, "ssh://git@github.com/"):
		rest = strings.TrimPrefix(remote, "ssh://git@github.com/")
	case strings.HasPrefix(remote, "https://github.com/"):
		rest = strings.TrimPrefix(remote, "https://github.com/")
	default:
		return "", false
	}
	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	owner, repo, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", false
	}
	return owner + "/" + repo, true
}

// pullRequestFromRef extracts N from refs/pull/N/merge.
func pullRequestFromRef(ref string) (int, bool) {
	rest, ok := strings.CutPrefix(ref, "refs/pull/")
	if !ok {
		return 0, false
	}
	num, _, _ := strings.Cut(rest, "/")
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
