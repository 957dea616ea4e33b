package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/llm"
	"github.com/cloud-shuttle/muster/internal/orchestrator"
	"github.com/cloud-shuttle/muster/internal/strategy"
	"github.com/cloud-shuttle/muster/internal/workspace"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// fakeLLM returns a canned response and records the request it saw
type fakeLLM struct {
	content string
	err     error
	lastReq *llm.ChatRequest
}

func (f *fakeLLM) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Content: json.RawMessage(f.content),
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

type fixture struct {
	store   *db.Store
	orch    *orchestrator.Orchestrator
	project *types.Project
	agent   *types.Agent
}

func setup(t *testing.T, client llm.Client, workdir string) *fixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	project, err := store.CreateProject(&types.Project{
		Name:         "p",
		RepoFullName: "acme/widgets",
		Workdir:      workdir,
	})
	require.NoError(t, err)

	agent, err := store.CreateAgent("gtm", "GTM", "You plan go-to-market work.", nil, 1)
	require.NoError(t, err)

	logger := zap.NewNop()
	ws := workspace.New(store, t.TempDir(), nil, logger)
	registry := strategy.NewRegistry(store, ws, nil, logger)

	return &fixture{
		store:   store,
		orch:    orchestrator.New(store, client, registry, logger),
		project: project,
		agent:   agent,
	}
}

func TestRun_FileWritesEndToEnd(t *testing.T) {
	workdir := t.TempDir()
	client := &fakeLLM{content: `{"type": "file_writes", "files": [{"path": "docs/x.md", "content": "# X"}]}`}
	f := setup(t, client, workdir)

	if _, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeGTM, "Launch docs", nil, 0, f.agent.ID); err != nil {
		t.Fatal(err)
	}
	item, run, err := f.store.LeaseNext(f.agent)
	require.NoError(t, err)
	require.NotNil(t, item)

	result := f.orch.Run(context.Background(), f.agent, f.project, item, run)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"docs/x.md"}, result.FilesWritten)

	data, err := os.ReadFile(filepath.Join(workdir, "docs", "x.md"))
	require.NoError(t, err)
	assert.Equal(t, "# X", string(data))

	got, err := f.store.GetWorkItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCompleted, got.Status)

	gotRun, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunOutcomeSuccess, gotRun.Outcome)
	require.NotNil(t, gotRun.FinishedAt)

	var costs types.RunCosts
	require.NoError(t, json.Unmarshal(gotRun.Costs, &costs))
	assert.Equal(t, 30, costs.TotalTokens)
}

func TestRun_ProductManagerCreatesWorkItems(t *testing.T) {
	client := &fakeLLM{content: `{
		"type": "work_items",
		"work_items": [
			{"agent_key": "gtm", "work_type": "gtm", "title": "Launch plan", "priority": 5},
			{"agent_key": "gtm", "work_type": "content", "title": "Blog post", "priority": 2}
		]
	}`}
	f := setup(t, client, "")

	pm, err := f.store.CreateAgent("product_manager", "PM", "You break projects into work items.", nil, 1)
	require.NoError(t, err)

	if _, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeProductManager, "Plan the launch", nil, 0, pm.ID); err != nil {
		t.Fatal(err)
	}
	item, run, err := f.store.LeaseNext(pm)
	require.NoError(t, err)
	require.NotNil(t, item)

	result := f.orch.Run(context.Background(), pm, f.project, item, run)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 2, result.WorkItemsCreated)

	counts, err := f.store.GetStatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending, "the two planned items are pending")
	assert.Equal(t, 1, counts.Completed, "the planning item itself completed")
}

func TestRun_NoPromptFailsRun(t *testing.T) {
	client := &fakeLLM{content: `{"type": "file_writes", "files": []}`}
	f := setup(t, client, "")

	mute, err := f.store.CreateAgent("mute", "Mute", "", nil, 1)
	require.NoError(t, err)

	if _, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeGTM, "Task", nil, 0, mute.ID); err != nil {
		t.Fatal(err)
	}
	item, run, err := f.store.LeaseNext(mute)
	require.NoError(t, err)
	require.NotNil(t, item)

	result := f.orch.Run(context.Background(), mute, f.project, item, run)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no configured prompt")
	assert.Nil(t, client.lastReq, "no LLM call happens without a prompt")

	got, _ := f.store.GetWorkItem(item.ID)
	assert.Equal(t, types.WorkItemStatusFailed, got.Status)

	gotRun, _ := f.store.GetRun(run.ID)
	assert.Equal(t, types.RunOutcomeFailure, gotRun.Outcome)
	assert.Contains(t, gotRun.Logs, "no configured prompt")
}

func TestRun_ValidationFailureFinalizesRun(t *testing.T) {
	// Declared type does not match what the work type expects.
	client := &fakeLLM{content: `{"type": "work_items", "work_items": []}`}
	f := setup(t, client, "")

	if _, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeGTM, "Task", nil, 0, f.agent.ID); err != nil {
		t.Fatal(err)
	}
	item, run, err := f.store.LeaseNext(f.agent)
	require.NoError(t, err)
	require.NotNil(t, item)

	result := f.orch.Run(context.Background(), f.agent, f.project, item, run)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid response")

	gotRun, _ := f.store.GetRun(run.ID)
	assert.Equal(t, types.RunOutcomeFailure, gotRun.Outcome)
	assert.Contains(t, gotRun.Logs, "invalid response")
}

func TestRun_ContextCarriesWorkItemState(t *testing.T) {
	client := &fakeLLM{content: `{"type": "file_writes", "files": [{"path": "a.md", "content": "a"}]}`}
	workdir := t.TempDir()
	f := setup(t, client, workdir)

	payload := json.RawMessage(`{"audience": "developers"}`)
	if _, err := f.store.CreateWorkItem(f.project.ID, types.WorkTypeGTM, "Task", payload, 0, f.agent.ID); err != nil {
		t.Fatal(err)
	}
	item, run, err := f.store.LeaseNext(f.agent)
	require.NoError(t, err)
	require.NotNil(t, item)

	f.orch.Run(context.Background(), f.agent, f.project, item, run)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, f.agent.Prompt, client.lastReq.Prompt)

	workItemCtx, ok := client.lastReq.Context["work_item"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, item.ID, workItemCtx["id"])

	payloadCtx, ok := workItemCtx["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "developers", payloadCtx["audience"])
}
