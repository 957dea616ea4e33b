package reconcile_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/reconcile"
	"github.com/cloud-shuttle/muster/pkg/types"
)

type fixture struct {
	store      *db.Store
	reconciler *reconcile.Reconciler
	project    *types.Project
	agent      *types.Agent
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	project, err := store.CreateProject(&types.Project{Name: "p", RepoFullName: "acme/widgets"})
	require.NoError(t, err)
	agent, err := store.CreateAgent("engineer", "Engineer", "prompt", nil, 1)
	require.NoError(t, err)

	return &fixture{
		store:      store,
		reconciler: reconcile.New(store, zap.NewNop()),
		project:    project,
		agent:      agent,
	}
}

func (f *fixture) handle(t *testing.T, eventType, payload string) bool {
	t.Helper()
	return f.reconciler.HandleEvent(context.Background(), f.project, eventType, []byte(payload))
}

func TestHandleEvent_IssueOpenedCreatesWorkItem(t *testing.T) {
	f := setup(t)

	ok := f.handle(t, "issues", `{
		"action": "opened",
		"issue": {
			"number": 12,
			"title": "Crash on startup",
			"body": "It crashes.",
			"state": "open",
			"html_url": "https://github.com/acme/widgets/issues/12",
			"labels": [{"name": "bug"}]
		}
	}`)
	require.True(t, ok)

	item, err := f.store.FindWorkItemByIssueNumber(f.project.ID, 12)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Crash on startup", item.Title)
	assert.Equal(t, types.WorkTypeIssue, item.WorkType)
	assert.Equal(t, types.WorkItemStatusPending, item.Status)

	payload := item.PayloadMap()
	assert.Equal(t, "It crashes.", payload["body"])
}

func TestHandleEvent_IssueClosedCompletesWorkItem(t *testing.T) {
	f := setup(t)

	require.True(t, f.handle(t, "issues", `{
		"action": "opened",
		"issue": {"number": 12, "title": "Bug", "state": "open"}
	}`))
	require.True(t, f.handle(t, "issues", `{
		"action": "closed",
		"issue": {"number": 12, "title": "Bug", "state": "closed"}
	}`))

	item, err := f.store.FindWorkItemByIssueNumber(f.project.ID, 12)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, types.WorkItemStatusCompleted, item.Status)
}

func TestHandleEvent_IssueClosedWithoutMatchIsNoOp(t *testing.T) {
	f := setup(t)

	ok := f.handle(t, "issues", `{
		"action": "closed",
		"issue": {"number": 99, "title": "Never seen", "state": "closed"}
	}`)
	assert.True(t, ok, "an unmatched close is dropped, not an error")
}

func TestHandleEvent_PROpenedAttachesRun(t *testing.T) {
	f := setup(t)

	item, err := f.store.UpsertIssueWorkItem(f.project.ID, 12, "Bug", nil, types.WorkItemStatusPending)
	require.NoError(t, err)

	ok := f.handle(t, "pull_request", `{
		"action": "opened",
		"pull_request": {
			"number": 34,
			"body": "Fixes #12",
			"html_url": "https://github.com/acme/widgets/pull/34",
			"head": {"sha": "abc123"}
		}
	}`)
	require.True(t, ok)

	run, err := f.store.FindRunByPRNumber(34)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, item.ID, run.WorkItemID)
	assert.Equal(t, "abc123", run.GitHubPRHeadSHA)
	assert.Equal(t, "https://github.com/acme/widgets/pull/34", run.GitHubPRURL)
}

func TestHandleEvent_PROpenedDuplicateDeliveryReusesRun(t *testing.T) {
	f := setup(t)

	_, err := f.store.UpsertIssueWorkItem(f.project.ID, 12, "Bug", nil, types.WorkItemStatusPending)
	require.NoError(t, err)

	payload := `{
		"action": "opened",
		"pull_request": {
			"number": 34,
			"body": "Closes #12",
			"html_url": "https://github.com/acme/widgets/pull/34",
			"head": {"sha": "abc123"}
		}
	}`
	require.True(t, f.handle(t, "pull_request", payload))
	first, err := f.store.FindRunByPRNumber(34)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.True(t, f.handle(t, "pull_request", payload))
	second, err := f.store.FindRunByPRNumber(34)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "redelivery reuses the existing run")
}

func TestHandleEvent_PRMergedFinalizesRunAndWorkItem(t *testing.T) {
	f := setup(t)

	item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
	require.NoError(t, err)
	run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(run.ID, 34, "https://github.com/acme/widgets/pull/34", "abc123"))

	ok := f.handle(t, "pull_request", `{
		"action": "closed",
		"pull_request": {
			"number": 34,
			"merged": true,
			"html_url": "https://github.com/acme/widgets/pull/34",
			"head": {"sha": "abc123"}
		}
	}`)
	require.True(t, ok)

	gotRun, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunOutcomeSuccess, gotRun.Outcome)
	require.NotNil(t, gotRun.FinishedAt)

	gotItem, err := f.store.GetWorkItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCompleted, gotItem.Status)
}

func TestHandleEvent_PRClosedUnmergedFailsRun(t *testing.T) {
	f := setup(t)

	item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
	require.NoError(t, err)
	run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(run.ID, 34, "", ""))

	ok := f.handle(t, "pull_request", `{
		"action": "closed",
		"pull_request": {"number": 34, "merged": false, "head": {"sha": "abc123"}}
	}`)
	require.True(t, ok)

	gotRun, _ := f.store.GetRun(run.ID)
	assert.Equal(t, types.RunOutcomeFailure, gotRun.Outcome)

	gotItem, _ := f.store.GetWorkItem(item.ID)
	assert.NotEqual(t, types.WorkItemStatusCompleted, gotItem.Status,
		"an unmerged close does not complete the work item")
}

func TestHandleEvent_PRCloseLookupPrefersPRNumber(t *testing.T) {
	f := setup(t)

	item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
	require.NoError(t, err)

	// One run matches by PR number, another by head SHA. The PR-number
	// match must win.
	byNumber, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(byNumber.ID, 34, "", "other-sha"))

	bySHA, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(bySHA.ID, 0, "", "abc123"))

	ok := f.handle(t, "pull_request", `{
		"action": "closed",
		"pull_request": {"number": 34, "merged": true, "head": {"sha": "abc123"}}
	}`)
	require.True(t, ok)

	gotByNumber, _ := f.store.GetRun(byNumber.ID)
	assert.Equal(t, types.RunOutcomeSuccess, gotByNumber.Outcome, "the PR-number match is finalized")

	gotBySHA, _ := f.store.GetRun(bySHA.ID)
	assert.Equal(t, types.RunOutcome(""), gotBySHA.Outcome, "the SHA-only match is untouched")
}

func TestHandleEvent_PRCloseFallsBackToIssueJoin(t *testing.T) {
	f := setup(t)

	item, err := f.store.UpsertIssueWorkItem(f.project.ID, 12, "Bug", nil, types.WorkItemStatusPending)
	require.NoError(t, err)
	run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)

	// The run carries no PR correlation at all; only the issue reference in
	// the PR body can locate it.
	ok := f.handle(t, "pull_request", `{
		"action": "closed",
		"pull_request": {
			"number": 77,
			"merged": true,
			"body": "resolves #12",
			"head": {"sha": "zzz"}
		}
	}`)
	require.True(t, ok)

	gotRun, _ := f.store.GetRun(run.ID)
	assert.Equal(t, types.RunOutcomeSuccess, gotRun.Outcome)
	assert.Equal(t, 77, gotRun.GitHubPRNumber)
}

func TestHandleEvent_WorkflowRunConclusion(t *testing.T) {
	cases := []struct {
		conclusion string
		want       types.RunOutcome
	}{
		{"success", types.RunOutcomeSuccess},
		{"failure", types.RunOutcomeFailure},
		{"timed_out", types.RunOutcomeFailure},
		{"cancelled", types.RunOutcomeFailure},
		{"neutral", types.RunOutcome("")},
	}

	for _, tc := range cases {
		t.Run(tc.conclusion, func(t *testing.T) {
			f := setup(t)

			item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
			require.NoError(t, err)
			run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
			require.NoError(t, err)
			require.NoError(t, f.store.UpdateRunCorrelation(run.ID, 0, "", "abc123"))

			ok := f.handle(t, "workflow_run", fmt.Sprintf(`{
				"action": "completed",
				"workflow_run": {"conclusion": %q, "head_sha": "abc123", "pull_requests": []}
			}`, tc.conclusion))
			require.True(t, ok)

			gotRun, _ := f.store.GetRun(run.ID)
			assert.Equal(t, tc.want, gotRun.Outcome)
		})
	}
}

func TestHandleEvent_WorkflowRunGroupCorrelatesRedelivery(t *testing.T) {
	f := setup(t)

	item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
	require.NoError(t, err)
	run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(run.ID, 0, "", "abc123"))

	// The first delivery matches by head SHA and records the workflow's
	// group identifier on the run.
	require.True(t, f.handle(t, "workflow_run", `{
		"action": "completed",
		"workflow_run": {"id": 900100, "conclusion": "failure", "head_sha": "abc123", "pull_requests": []}
	}`))

	gotRun, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "900100", gotRun.ExternalGroupID)
	assert.Equal(t, types.RunOutcomeFailure, gotRun.Outcome)

	// A re-run of the same workflow carries neither a PR nor a known SHA;
	// only the recorded group identifier can correlate it.
	require.True(t, f.handle(t, "workflow_run", `{
		"action": "completed",
		"workflow_run": {"id": 900100, "conclusion": "success", "head_sha": "fff999", "pull_requests": []}
	}`))

	gotRun, err = f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunOutcomeSuccess, gotRun.Outcome)
}

func TestHandleEvent_CheckSuiteLocatesByPRNumber(t *testing.T) {
	f := setup(t)

	item, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeEngineer, "Task", nil, 0, f.agent.ID)
	require.NoError(t, err)
	run, err := f.store.CreateRun(f.agent.ID, item.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunCorrelation(run.ID, 55, "", ""))

	ok := f.handle(t, "check_suite", `{
		"action": "completed",
		"check_suite": {
			"conclusion": "success",
			"head_sha": "unrelated",
			"pull_requests": [{"number": 55}]
		}
	}`)
	require.True(t, ok)

	gotRun, _ := f.store.GetRun(run.ID)
	assert.Equal(t, types.RunOutcomeSuccess, gotRun.Outcome)
}

func TestHandleEvent_PushAcceptedWithoutMutation(t *testing.T) {
	f := setup(t)

	ok := f.handle(t, "push", `{"ref": "refs/heads/main", "after": "abc123"}`)
	assert.True(t, ok)

	counts, err := f.store.GetStatusCounts()
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestHandleEvent_UnsupportedEventAccepted(t *testing.T) {
	f := setup(t)

	ok := f.handle(t, "star", `{"action": "created"}`)
	assert.True(t, ok)
}
