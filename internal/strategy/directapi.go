package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/githubapi"
	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/internal/workspace"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// DirectAPIStrategy interprets named operations against the repository
// host's REST surface, without a local checkout.
type DirectAPIStrategy struct {
	store  *db.Store
	hosts  workspace.HostClientFactory
	logger *zap.Logger
}

// Execute performs each requested host operation in order
func (s *DirectAPIStrategy) Execute(ctx context.Context, in *ExecInput) *types.Result {
	resp := in.Response
	if resp.Type != schema.TypeGitHubOperations {
		return typeMismatch(schema.TypeGitHubOperations, resp.Type)
	}
	if len(resp.Operations) == 0 {
		return types.Failure("nothing to do: response listed no operations")
	}

	token := config.Secret(in.Project.GitHubToken)
	if !token.IsSet() {
		return types.Failure("no write credential configured for project")
	}

	host, err := s.hosts(ctx, token)
	if err != nil {
		return types.Failure(fmt.Sprintf("creating host client: %v", err))
	}

	result := &types.Result{Success: true}
	correlation := map[string]any{}

	for i, op := range resp.Operations {
		switch op.Op {
		case schema.OpCreateIssue:
			issue, err := host.CreateIssue(ctx, in.Project.RepoFullName, op.Title, op.Body, op.Labels)
			if err != nil {
				return types.Failure(fmt.Sprintf("operation %d (create_issue): %v", i, err))
			}
			result.IssueNumber = issue.Number
			correlation["github_issue_number"] = issue.Number
			correlation["github_issue_url"] = issue.HTMLURL

		case schema.OpCreatePullRequest:
			base := op.Base
			if base == "" {
				base = in.Project.DefaultBranch
			}
			pr, err := host.CreatePullRequest(ctx, in.Project.RepoFullName, op.Title, op.Body, op.Head, base)
			if err != nil {
				return types.Failure(fmt.Sprintf("operation %d (create_pull_request): %v", i, err))
			}
			result.PRNumber = pr.Number
			result.PRURL = pr.HTMLURL
			result.PRHeadSHA = pr.HeadSHA
			correlation["github_pr_number"] = pr.Number
			correlation["github_pr_url"] = pr.HTMLURL

		case schema.OpCreateFilesWithPR:
			pr, branch, err := s.createFilesWithPR(ctx, host, in, &op)
			if err != nil {
				return types.Failure(fmt.Sprintf("operation %d (create_files_with_pr): %v", i, err))
			}
			result.Branch = branch
			result.PRNumber = pr.Number
			result.PRURL = pr.HTMLURL
			result.PRHeadSHA = pr.HeadSHA
			correlation["github_pr_number"] = pr.Number
			correlation["github_pr_url"] = pr.HTMLURL
		}
	}

	if len(correlation) > 0 {
		if err := s.writeCorrelation(in.WorkItem, correlation); err != nil {
			s.logger.Warn("recording correlation identifiers failed",
				zap.String("work_item", in.WorkItem.ID), zap.Error(err))
		}
	}

	result.Message = fmt.Sprintf("performed %d host operations", len(resp.Operations))
	return result
}

// createFilesWithPR synthesizes a branch from the base tip, writes each file
// through the contents endpoint, and opens a pull request.
func (s *DirectAPIStrategy) createFilesWithPR(ctx context.Context, host githubapi.Client, in *ExecInput, op *schema.HostOperation) (*githubapi.PullRequest, string, error) {
	base := op.Base
	if base == "" {
		base = in.Project.DefaultBranch
	}

	baseSHA, err := host.GetBranchSHA(ctx, in.Project.RepoFullName, base)
	if err != nil {
		return nil, "", fmt.Errorf("resolving base branch: %w", err)
	}
	if baseSHA == "" {
		return nil, "", fmt.Errorf("base branch %q not found", base)
	}

	branch := op.Head
	if branch == "" {
		branch = fmt.Sprintf("agent/%s-api-%d", in.Agent.Key, time.Now().Unix())
	}

	// An already-existing branch is the success path on retry.
	if err := host.CreateBranch(ctx, in.Project.RepoFullName, branch, baseSHA); err != nil {
		return nil, "", fmt.Errorf("creating branch: %w", err)
	}

	for _, f := range op.Files {
		if f.Path == "" || f.Content == nil {
			continue
		}
		message := fmt.Sprintf("%s: add %s", in.Agent.Key, f.Path)
		if err := host.CreateOrUpdateFile(ctx, in.Project.RepoFullName, f.Path, *f.Content, branch, message); err != nil {
			return nil, "", err
		}
	}

	title := op.Title
	if title == "" {
		title = fmt.Sprintf("[%s] %s", in.Agent.Key, in.WorkItem.Title)
	}
	pr, err := host.CreatePullRequest(ctx, in.Project.RepoFullName, title, op.Body, branch, base)
	if err != nil {
		return nil, "", err
	}
	return pr, branch, nil
}

// writeCorrelation merges correlation identifiers into the work item payload
func (s *DirectAPIStrategy) writeCorrelation(item *types.WorkItem, fields map[string]any) error {
	payload := item.PayloadMap()
	for k, v := range fields {
		payload[k] = v
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	item.Payload = merged
	return s.store.UpdateWorkItemPayload(item.ID, merged)
}
