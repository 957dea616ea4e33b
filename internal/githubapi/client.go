// Package githubapi wraps the repository host's REST surface used by
// execution strategies and the workspace executor.
package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/cloud-shuttle/muster/internal/config"
)

// Issue is the subset of an issue the core records
type Issue struct {
	Number  int
	HTMLURL string
}

// PullRequest is the subset of a pull request the core records
type PullRequest struct {
	Number  int
	HTMLURL string
	HeadSHA string
}

// Client is the repository-host collaborator boundary
type Client interface {
	CreateIssue(ctx context.Context, repoFullName, title, body string, labels []string) (*Issue, error)
	CreatePullRequest(ctx context.Context, repoFullName, title, body, head, base string) (*PullRequest, error)
	// GetBranchSHA returns the tip commit of a branch, or "" when the
	// branch does not exist.
	GetBranchSHA(ctx context.Context, repoFullName, branch string) (string, error)
	// CreateBranch creates a branch ref at the given SHA. A ref that
	// already exists is success, not an error.
	CreateBranch(ctx context.Context, repoFullName, branch, sha string) error
	CreateOrUpdateFile(ctx context.Context, repoFullName, path, content, branch, message string) error
}

// RESTClient implements Client over the go-github SDK
type RESTClient struct {
	gh *github.Client
}

// New creates an authenticated client. baseURL overrides the API endpoint
// for tests and GitHub Enterprise; empty means api.github.com.
func New(ctx context.Context, token config.Secret, baseURL string) (*RESTClient, error) {
	var httpClient *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	gh := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting API base URL: %w", err)
		}
	}
	return &RESTClient{gh: gh}, nil
}

func splitRepo(repoFullName string) (string, string, error) {
	parts := strings.SplitN(repoFullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q", repoFullName)
	}
	return parts[0], parts[1], nil
}

// CreateIssue opens an issue on the repository
func (c *RESTClient) CreateIssue(ctx context.Context, repoFullName, title, body string, labels []string) (*Issue, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	req := &github.IssueRequest{Title: &title, Body: &body}
	if len(labels) > 0 {
		req.Labels = &labels
	}

	issue, _, err := c.gh.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	return &Issue{Number: issue.GetNumber(), HTMLURL: issue.GetHTMLURL()}, nil
}

// CreatePullRequest opens a pull request from head into base
func (c *RESTClient) CreatePullRequest(ctx context.Context, repoFullName, title, body, head, base string) (*PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	return &PullRequest{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		HeadSHA: pr.GetHead().GetSHA(),
	}, nil
}

// GetBranchSHA returns the tip commit SHA of a branch, or "" when absent
func (c *RESTClient) GetBranchSHA(ctx context.Context, repoFullName, branch string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	ref, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("getting branch ref: %w", err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch creates a branch ref at the given SHA. "Already exists"
// responses are treated as success.
func (c *RESTClient) CreateBranch(ctx context.Context, repoFullName, branch, sha string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	refName := "refs/heads/" + branch
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &refName,
		Object: &github.GitObject{SHA: &sha},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("creating branch: %w", err)
	}
	return nil
}

// CreateOrUpdateFile writes a file on a branch via the contents endpoint.
// The current blob SHA is fetched first so updates succeed, not just creates.
func (c *RESTClient) CreateOrUpdateFile(ctx context.Context, repoFullName, path, content, branch, message string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: &message,
		Content: []byte(content),
		Branch:  &branch,
	}

	existing, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err == nil && existing != nil {
		opts.SHA = existing.SHA
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("checking existing file %s: %w", path, err)
	}

	_, _, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	if err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}
