// Package gitexec runs git subprocess operations for workspace executions
package gitexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/logging"
)

// Runner executes git commands inside one working directory.
//
// Credentials are never passed on the command line: the write token is
// served through a transient askpass script so it cannot appear in the
// process list, and every error string is redacted before it leaves
// this package.
type Runner struct {
	dir         string
	token       config.Secret
	askpassPath string
}

// NewRunner creates a runner for the given directory. If a token is set, a
// transient askpass script is written outside the checkout; call Close to
// remove it.
func NewRunner(dir string, token config.Secret) (*Runner, error) {
	r := &Runner{dir: dir, token: token}

	if token.IsSet() {
		f, err := os.CreateTemp("", "muster-askpass-*.sh")
		if err != nil {
			return nil, fmt.Errorf("creating askpass script: %w", err)
		}
		script := "#!/bin/sh\nprintf '%s' \"$MUSTER_GIT_TOKEN\"\n"
		if _, err := f.WriteString(script); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("writing askpass script: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return nil, fmt.Errorf("closing askpass script: %w", err)
		}
		if err := os.Chmod(f.Name(), 0700); err != nil {
			os.Remove(f.Name())
			return nil, fmt.Errorf("marking askpass executable: %w", err)
		}
		r.askpassPath = f.Name()
	}

	return r, nil
}

// Close removes the transient askpass script
func (r *Runner) Close() {
	if r.askpassPath != "" {
		_ = os.Remove(r.askpassPath)
		r.askpassPath = ""
	}
}

// Dir returns the runner's working directory
func (r *Runner) Dir() string {
	return r.dir
}

// RemoteURL builds an authenticated-capable HTTPS remote for a repository.
// The URL carries only a username; the token itself flows via askpass.
func RemoteURL(repoFullName string) string {
	return fmt.Sprintf("https://x-access-token@github.com/%s.git", repoFullName)
}

func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if r.askpassPath != "" {
		cmd.Env = append(cmd.Env,
			"GIT_ASKPASS="+r.askpassPath,
			"MUSTER_GIT_TOKEN="+r.token.Value(),
		)
	}

	output, err := cmd.CombinedOutput()
	out := logging.Redact(string(output), r.token.Value())
	if err != nil {
		return out, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// CloneShallow clones a single branch at depth 1 into the runner's directory
func (r *Runner) CloneShallow(ctx context.Context, remoteURL, branch string) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("creating checkout directory: %w", err)
	}
	_, err := r.run(ctx, "clone", "--depth", "1", "--branch", branch, remoteURL, ".")
	if err != nil {
		return fmt.Errorf("cloning: %w", err)
	}
	return nil
}

// Fetch fetches a branch from origin into its remote-tracking ref. The
// explicit refspec matters: a shallow single-branch clone restricts the
// default fetch refspec to the cloned branch, so a bare `git fetch origin
// <branch>` would update only FETCH_HEAD and origin/<branch> would never
// exist.
func (r *Runner) Fetch(ctx context.Context, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := r.run(ctx, "fetch", "origin", refspec); err != nil {
		return fmt.Errorf("fetching %s: %w", branch, err)
	}
	return nil
}

// RemoteBranchExists checks whether a branch exists on origin
func (r *Runner) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := r.run(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, fmt.Errorf("listing remote branches: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Checkout switches to an existing ref
func (r *Runner) Checkout(ctx context.Context, ref string) error {
	if _, err := r.run(ctx, "checkout", ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// CheckoutNewBranch creates and switches to a branch from a start ref
func (r *Runner) CheckoutNewBranch(ctx context.Context, branch, startRef string) error {
	if _, err := r.run(ctx, "checkout", "-b", branch, startRef); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// CheckoutRemoteBranch checks out a branch tracking its remote counterpart
func (r *Runner) CheckoutRemoteBranch(ctx context.Context, branch string) error {
	if _, err := r.run(ctx, "checkout", "-B", branch, "origin/"+branch); err != nil {
		return fmt.Errorf("checking out remote branch %s: %w", branch, err)
	}
	return nil
}

// Merge merges a ref into the current branch
func (r *Runner) Merge(ctx context.Context, ref string) error {
	if _, err := r.run(ctx, "merge", ref); err != nil {
		return fmt.Errorf("merging %s: %w", ref, err)
	}
	return nil
}

// CommitAll stages everything and commits. Returns (false, nil) when the
// working tree has no changes to commit.
func (r *Runner) CommitAll(ctx context.Context, message string) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}

	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}

	out, err = r.run(ctx, "commit", "-m", message)
	if err != nil {
		// The tree can become clean between the status check and the
		// commit; treat that as nothing-to-commit rather than failure.
		if strings.Contains(out, "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %w", err)
	}
	return true, nil
}

// Push pushes a branch to origin
func (r *Runner) Push(ctx context.Context, branch string) error {
	if _, err := r.run(ctx, "push", "origin", branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// HeadSHA returns the current HEAD commit
func (r *Runner) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Config sets a repository-local git config value
func (r *Runner) Config(ctx context.Context, key, value string) error {
	if _, err := r.run(ctx, "config", key, value); err != nil {
		return fmt.Errorf("setting config %s: %w", key, err)
	}
	return nil
}

// SetRemoteURL points origin at the given URL
func (r *Runner) SetRemoteURL(ctx context.Context, url string) error {
	if _, err := r.run(ctx, "remote", "set-url", "origin", url); err != nil {
		return fmt.Errorf("setting remote URL: %w", err)
	}
	return nil
}

// EnsureIdentity sets a committer identity if none is configured
func (r *Runner) EnsureIdentity(ctx context.Context, name, email string) error {
	if err := r.Config(ctx, "user.name", name); err != nil {
		return err
	}
	return r.Config(ctx, "user.email", email)
}
