// Package workspace manages isolated, ephemeral Git checkouts for strategies
// that commit code and open pull requests.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/gitexec"
	"github.com/cloud-shuttle/muster/internal/githubapi"
	"github.com/cloud-shuttle/muster/internal/logging"
	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// HostClientFactory builds a repository-host client for a project credential
type HostClientFactory func(ctx context.Context, token config.Secret) (githubapi.Client, error)

// DefaultHostClientFactory builds host clients against the given API base
// URL, or github.com when empty.
func DefaultHostClientFactory(baseURL string) HostClientFactory {
	return func(ctx context.Context, token config.Secret) (githubapi.Client, error) {
		return githubapi.New(ctx, token, baseURL)
	}
}

// Executor drives one branch/commit/push/PR sequence in an ephemeral checkout.
//
// Execution is a state machine, terminal on first failure:
// provisioned -> cloned -> branch-ready -> changes-applied -> committed ->
// pushed -> pr-opened -> finalized. Workspace removal is guaranteed on every
// exit path regardless of how far the machine progressed.
type Executor struct {
	store   *db.Store
	baseDir string
	hosts   HostClientFactory
	logger  *zap.Logger
}

// Request carries everything one execution needs
type Request struct {
	Agent         *types.Agent
	Project       *types.Project
	WorkItem      *types.WorkItem
	Run           *types.Run
	Files         []schema.FileChange
	CommitMessage string
	PRTitle       string
	PRBody        string
}

// New creates a workspace executor rooted at baseDir
func New(store *db.Store, baseDir string, hosts HostClientFactory, logger *zap.Logger) *Executor {
	if hosts == nil {
		hosts = func(ctx context.Context, token config.Secret) (githubapi.Client, error) {
			return githubapi.New(ctx, token, "")
		}
	}
	return &Executor{store: store, baseDir: baseDir, hosts: hosts, logger: logger}
}

// Execute runs the full workspace lifecycle for one work item.
// All failures are folded into the result; nothing escapes as an error.
func (e *Executor) Execute(ctx context.Context, req *Request) *types.Result {
	token := config.Secret(req.Project.GitHubToken)

	key := IdempotencyKey(req.WorkItem, req.Agent)

	// Duplicate-execution guard: a successful run with this key means the
	// side effect already happened (crash-and-restart case). Skip.
	prior, err := e.store.FindRunByIdempotencyKey(key)
	if err != nil {
		return types.Failure(fmt.Sprintf("checking idempotency key: %v", err))
	}
	if prior != nil && prior.Outcome == types.RunOutcomeSuccess {
		e.logger.Info("duplicate execution detected, skipping",
			zap.String("work_item", req.WorkItem.ID),
			zap.String("idempotency_key", key))
		return &types.Result{
			Success:   true,
			Skipped:   true,
			Message:   "duplicate execution skipped",
			PRNumber:  prior.GitHubPRNumber,
			PRURL:     prior.GitHubPRURL,
			PRHeadSHA: prior.GitHubPRHeadSHA,
		}
	}
	if req.Run != nil {
		// A failed earlier attempt releases the key to this run, so
		// retrying after failure is always possible.
		if err := e.store.ClaimIdempotencyKey(req.Run.ID, key); err != nil {
			return types.Failure(fmt.Sprintf("recording idempotency key: %v", err))
		}
	}

	if !token.IsSet() {
		return types.Failure("no write credential configured for project")
	}
	if len(req.Files) == 0 {
		return types.Failure("nothing to do: no file changes requested")
	}

	// Provision the ephemeral checkout. Removal is deferred before any
	// further step so cleanup runs on every exit path.
	dir := filepath.Join(e.baseDir, "ws-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.Failure(fmt.Sprintf("provisioning workspace: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("workspace cleanup failed", zap.String("dir", dir), zap.Error(err))
		}
	}()

	runner, err := gitexec.NewRunner(dir, token)
	if err != nil {
		return e.fail(token, "preparing git runner: %v", err)
	}
	defer runner.Close()

	remote := gitexec.RemoteURL(req.Project.RepoFullName)
	base := req.Project.DefaultBranch

	if err := runner.CloneShallow(ctx, remote, base); err != nil {
		return e.fail(token, "cloning repository: %v", err)
	}
	if err := runner.EnsureIdentity(ctx, req.Agent.Name, req.Agent.Key+"@muster.local"); err != nil {
		return e.fail(token, "configuring identity: %v", err)
	}

	branch := BranchName(req.Agent)

	exists, err := runner.RemoteBranchExists(ctx, branch)
	if err != nil {
		return e.fail(token, "checking remote branch: %v", err)
	}
	if exists {
		// Update path: continue the agent's existing branch, with the
		// latest default branch merged in.
		if err := runner.Fetch(ctx, branch); err != nil {
			return e.fail(token, "fetching branch: %v", err)
		}
		if err := runner.CheckoutRemoteBranch(ctx, branch); err != nil {
			return e.fail(token, "checking out branch: %v", err)
		}
		if err := runner.Fetch(ctx, base); err != nil {
			return e.fail(token, "fetching default branch: %v", err)
		}
		if err := runner.Merge(ctx, "origin/"+base); err != nil {
			return e.fail(token, "merging default branch: %v", err)
		}
	} else {
		// Create path: branch from the default branch tip.
		if err := runner.Fetch(ctx, base); err != nil {
			return e.fail(token, "fetching default branch: %v", err)
		}
		if err := runner.CheckoutNewBranch(ctx, branch, "origin/"+base); err != nil {
			return e.fail(token, "creating branch: %v", err)
		}
	}

	if err := applyChanges(dir, req.Files); err != nil {
		return e.fail(token, "applying changes: %v", err)
	}

	message := req.CommitMessage
	if message == "" {
		message = fmt.Sprintf("%s: automated changes for %s", req.Agent.Key, req.WorkItem.Title)
	}
	committed, err := runner.CommitAll(ctx, message)
	if err != nil {
		return e.fail(token, "committing: %v", err)
	}
	if !committed {
		return types.Failure("nothing to do: working tree unchanged after applying files")
	}

	if err := runner.Push(ctx, branch); err != nil {
		return e.fail(token, "pushing: %v", err)
	}

	headSHA, err := runner.HeadSHA(ctx)
	if err != nil {
		return e.fail(token, "resolving head commit: %v", err)
	}

	host, err := e.hosts(ctx, token)
	if err != nil {
		return e.fail(token, "creating host client: %v", err)
	}

	title := req.PRTitle
	if title == "" {
		title = fmt.Sprintf("[%s] %s", req.Agent.Key, req.WorkItem.Title)
	}
	body := req.PRBody
	if body == "" {
		body = fmt.Sprintf("Automated changes by agent %s for work item %s.", req.Agent.Key, req.WorkItem.ID)
	}

	pr, err := host.CreatePullRequest(ctx, req.Project.RepoFullName, title, body, branch, base)
	if err != nil {
		return e.fail(token, "opening pull request: %v", err)
	}

	if pr.HeadSHA == "" {
		pr.HeadSHA = headSHA
	}

	return &types.Result{
		Success:   true,
		Message:   fmt.Sprintf("opened PR #%d from %s", pr.Number, branch),
		Branch:    branch,
		PRNumber:  pr.Number,
		PRURL:     pr.HTMLURL,
		PRHeadSHA: pr.HeadSHA,
	}
}

// fail builds a failure result with the credential scrubbed from the message
func (e *Executor) fail(token config.Secret, format string, args ...any) *types.Result {
	msg := logging.Redact(fmt.Sprintf(format, args...), token.Value())
	return types.Failure(msg)
}

// applyChanges writes file changes under the checkout root, rejecting any
// path that would resolve outside it. A traversal attempt fails the whole
// apply step with no files written.
func applyChanges(root string, files []schema.FileChange) error {
	resolved := make([]string, 0, len(files))
	contents := make([]string, 0, len(files))
	for _, f := range files {
		if f.Path == "" || f.Content == nil {
			continue
		}
		target, err := resolveWithin(root, f.Path)
		if err != nil {
			return err
		}
		resolved = append(resolved, target)
		contents = append(contents, *f.Content)
	}

	for i, target := range resolved {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", target, err)
		}
		if err := os.WriteFile(target, []byte(contents[i]), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
	}
	return nil
}

// resolveWithin joins path under root and verifies the result stays inside it
func resolveWithin(root, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is absolute", path)
	}
	target := filepath.Join(root, path)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the checkout root", path)
	}
	return target, nil
}

// BranchName computes the branch an agent works on. Day granularity keeps
// retries within a day on the same branch (the update path) while new days
// start fresh branches.
func BranchName(agent *types.Agent) string {
	return fmt.Sprintf("agent/%s-%s", sanitizeKey(agent.Key), time.Now().UTC().Format("20060102"))
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
