// Package reconcile syncs Run and WorkItem state from inbound repository
// events. Webhook delivery order and content are not guaranteed, so every
// branch is best-effort correlation: absence of a match drops the event
// without mutation, and that is not an error.
package reconcile

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// issueRefPattern matches the fixed closing-keyword vocabulary in PR bodies
var issueRefPattern = regexp.MustCompile(`(?i)(?:fixes|closes|resolves)\s+#(\d+)`)

// Reconciler applies repository events to stored Run/WorkItem state
type Reconciler struct {
	store  *db.Store
	logger *zap.Logger
}

// New creates a reconciler
func New(store *db.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// HandleEvent dispatches one verified event. Returns false only when a branch
// that should have mutated state hit a storage error; unmatched correlations
// and unsupported event types are accepted as true.
func (r *Reconciler) HandleEvent(ctx context.Context, project *types.Project, eventType string, payload []byte) bool {
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		// Unknown or unparseable event types are accepted at the boundary
		// and dropped here, not errors.
		r.logger.Warn("dropping unparseable event",
			zap.String("event", eventType), zap.Error(err))
		return true
	}

	switch e := event.(type) {
	case *github.IssuesEvent:
		return r.handleIssue(project, e)
	case *github.PullRequestEvent:
		return r.handlePullRequest(project, e)
	case *github.WorkflowRunEvent:
		return r.handleCIResult(e.GetWorkflowRun().GetConclusion(),
			pullNumbers(e.GetWorkflowRun().PullRequests),
			e.GetWorkflowRun().GetHeadSHA(),
			strconv.FormatInt(e.GetWorkflowRun().GetID(), 10))
	case *github.CheckSuiteEvent:
		return r.handleCIResult(e.GetCheckSuite().GetConclusion(),
			pullNumbers(e.GetCheckSuite().PullRequests),
			e.GetCheckSuite().GetHeadSHA(),
			strconv.FormatInt(e.GetCheckSuite().GetID(), 10))
	case *github.PushEvent:
		r.logger.Info("push event received",
			zap.String("ref", e.GetRef()), zap.String("after", e.GetAfter()))
		return true
	default:
		r.logger.Debug("event type not reconciled", zap.String("event", eventType))
		return true
	}
}

// handleIssue imports issue state as a work item keyed by issue number
func (r *Reconciler) handleIssue(project *types.Project, e *github.IssuesEvent) bool {
	issue := e.GetIssue()
	if issue.GetNumber() == 0 {
		return true
	}

	switch e.GetAction() {
	case "opened", "edited", "labeled", "reopened":
		status := types.WorkItemStatusPending
		if issue.GetState() == "closed" {
			status = types.WorkItemStatusCompleted
		}
		payload, err := json.Marshal(map[string]any{
			"github_issue_number": issue.GetNumber(),
			"github_issue_url":    issue.GetHTMLURL(),
			"body":                issue.GetBody(),
			"labels":              labelNames(issue.Labels),
			"state":               issue.GetState(),
		})
		if err != nil {
			return false
		}
		_, err = r.store.UpsertIssueWorkItem(project.ID, issue.GetNumber(), issue.GetTitle(), payload, status)
		if err != nil {
			r.logger.Error("upserting issue work item failed",
				zap.Int("issue", issue.GetNumber()), zap.Error(err))
			return false
		}
		return true

	case "closed":
		item, err := r.store.FindWorkItemByIssueNumber(project.ID, issue.GetNumber())
		if err != nil {
			r.logger.Error("issue lookup failed", zap.Int("issue", issue.GetNumber()), zap.Error(err))
			return false
		}
		if item == nil {
			return true
		}
		if err := r.store.UpdateWorkItemStatus(item.ID, types.WorkItemStatusCompleted); err != nil {
			r.logger.Error("completing issue work item failed",
				zap.String("work_item", item.ID), zap.Error(err))
			return false
		}
		return true
	}
	return true
}

func (r *Reconciler) handlePullRequest(project *types.Project, e *github.PullRequestEvent) bool {
	pr := e.GetPullRequest()
	switch e.GetAction() {
	case "opened":
		return r.attachPullRequest(project, pr)
	case "closed":
		return r.closePullRequest(project, pr)
	}
	return true
}

// attachPullRequest correlates a newly opened PR to the work item its body
// references and records the PR identifiers on a run for that work item.
func (r *Reconciler) attachPullRequest(project *types.Project, pr *github.PullRequest) bool {
	issueNumber := extractIssueRef(pr.GetBody())
	if issueNumber == 0 {
		return true
	}

	item, err := r.store.FindWorkItemByIssueNumber(project.ID, issueNumber)
	if err != nil {
		r.logger.Error("issue lookup failed", zap.Int("issue", issueNumber), zap.Error(err))
		return false
	}
	if item == nil {
		return true
	}

	// A concurrent creator with the same key wins the race; FindOrCreateRun
	// re-fetches the existing row instead of erroring.
	key := "pr-" + item.ID + "-" + strconv.Itoa(pr.GetNumber())
	run, err := r.store.FindOrCreateRun(item.AssignedAgentID, item.ID, key)
	if err != nil {
		r.logger.Error("finding run for PR failed",
			zap.Int("pr", pr.GetNumber()), zap.Error(err))
		return false
	}

	err = r.store.UpdateRunCorrelation(run.ID, pr.GetNumber(), pr.GetHTMLURL(), pr.GetHead().GetSHA())
	if err != nil {
		r.logger.Error("attaching PR to run failed", zap.String("run", run.ID), zap.Error(err))
		return false
	}

	r.logger.Info("pull request attached",
		zap.Int("pr", pr.GetNumber()),
		zap.String("work_item", item.ID),
		zap.String("run", run.ID))
	return true
}

// closePullRequest finalizes the correlated run. Lookup order is PR number,
// then head SHA, then the issue-reference join; the first match wins even if
// a later key would have pointed elsewhere.
func (r *Reconciler) closePullRequest(project *types.Project, pr *github.PullRequest) bool {
	run, err := r.store.FindRunByPRNumber(pr.GetNumber())
	if err != nil {
		return false
	}
	if run == nil {
		run, err = r.store.FindRunByHeadSHA(pr.GetHead().GetSHA())
		if err != nil {
			return false
		}
	}
	if run == nil {
		if issueNumber := extractIssueRef(pr.GetBody()); issueNumber != 0 {
			item, err := r.store.FindWorkItemByIssueNumber(project.ID, issueNumber)
			if err != nil {
				return false
			}
			if item != nil {
				run, err = r.store.FindRunForWorkItem(item.ID, pr.GetHTMLURL())
				if err != nil {
					return false
				}
			}
		}
	}
	if run == nil {
		return true
	}

	outcome := types.RunOutcomeFailure
	if pr.GetMerged() {
		outcome = types.RunOutcomeSuccess
	}

	final := &db.RunFinal{
		GitHubPRNumber:  pr.GetNumber(),
		GitHubPRHeadSHA: pr.GetHead().GetSHA(),
		GitHubPRURL:     pr.GetHTMLURL(),
	}
	if err := r.store.FinalizeRun(run.ID, outcome, "", final); err != nil {
		r.logger.Error("finalizing run from PR close failed",
			zap.String("run", run.ID), zap.Error(err))
		return false
	}

	if pr.GetMerged() {
		if err := r.store.UpdateWorkItemStatus(run.WorkItemID, types.WorkItemStatusCompleted); err != nil {
			r.logger.Error("completing work item from merge failed",
				zap.String("work_item", run.WorkItemID), zap.Error(err))
			return false
		}
	}

	r.logger.Info("pull request closed",
		zap.Int("pr", pr.GetNumber()),
		zap.String("run", run.ID),
		zap.Bool("merged", pr.GetMerged()))
	return true
}

// handleCIResult maps a grouped CI conclusion onto the correlated run.
// Lookup order is PR number, then head SHA, then a group identifier recorded
// by an earlier delivery; a fresh PR or SHA match records the identifier so
// re-deliveries for the same group stay correlated.
func (r *Reconciler) handleCIResult(conclusion string, prNumbers []int, headSHA, groupID string) bool {
	outcome := mapConclusion(conclusion)
	if outcome == "" {
		return true
	}

	var run *types.Run
	var err error
	for _, n := range prNumbers {
		run, err = r.store.FindRunByPRNumber(n)
		if err != nil {
			return false
		}
		if run != nil {
			break
		}
	}
	if run == nil {
		run, err = r.store.FindRunByHeadSHA(headSHA)
		if err != nil {
			return false
		}
	}
	if run == nil {
		run, err = r.store.FindRunByExternalGroupID(groupID)
		if err != nil {
			return false
		}
	}
	if run == nil {
		return true
	}

	if run.ExternalGroupID != groupID {
		if err := r.store.SetRunExternalGroupID(run.ID, groupID); err != nil {
			r.logger.Error("recording CI group on run failed",
				zap.String("run", run.ID), zap.Error(err))
			return false
		}
	}

	if err := r.store.FinalizeRun(run.ID, outcome, "", nil); err != nil {
		r.logger.Error("finalizing run from CI result failed",
			zap.String("run", run.ID), zap.Error(err))
		return false
	}

	r.logger.Info("CI result reconciled",
		zap.String("run", run.ID),
		zap.String("conclusion", conclusion))
	return true
}

// mapConclusion translates a provider conclusion into a run outcome.
// Unrecognized conclusions leave the outcome untouched.
func mapConclusion(conclusion string) types.RunOutcome {
	switch conclusion {
	case "success":
		return types.RunOutcomeSuccess
	case "failure", "timed_out", "cancelled":
		return types.RunOutcomeFailure
	default:
		return ""
	}
}

// extractIssueRef returns the first closing-keyword issue reference in a PR
// body, or 0 when none is present.
func extractIssueRef(body string) int {
	m := issueRefPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func pullNumbers(prs []*github.PullRequest) []int {
	nums := make([]int, 0, len(prs))
	for _, pr := range prs {
		if pr.GetNumber() != 0 {
			nums = append(nums, pr.GetNumber())
		}
	}
	return nums
}

func labelNames(labels []*github.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if l.GetName() != "" {
			names = append(names, l.GetName())
		}
	}
	return names
}
