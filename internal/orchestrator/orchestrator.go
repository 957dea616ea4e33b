// Package orchestrator drives one work item through prompt building, LLM
// invocation, response validation, strategy dispatch, and run finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/llm"
	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/internal/strategy"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Orchestrator executes claimed work items. Every failure inside the
// pipeline is converted into a terminal failure result and a finalized run;
// nothing escapes as an error to the leasing caller, and no retries happen
// here. One invocation is one attempt.
type Orchestrator struct {
	store      *db.Store
	llm        llm.Client
	strategies *strategy.Registry
	logger     *zap.Logger
}

// New creates an orchestrator
func New(store *db.Store, client llm.Client, strategies *strategy.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, llm: client, strategies: strategies, logger: logger}
}

// Run executes one claimed work item. The run record is reused when the
// leasing service already created one, otherwise created here.
func (o *Orchestrator) Run(ctx context.Context, agent *types.Agent, project *types.Project, item *types.WorkItem, run *types.Run) *types.Result {
	var err error
	if run == nil {
		run, err = o.store.CreateRun(agent.ID, item.ID, "")
		if err != nil {
			return types.Failure(fmt.Sprintf("creating run: %v", err))
		}
	}

	result := o.execute(ctx, agent, project, item, run)
	o.finalize(item, run, result)
	return result
}

func (o *Orchestrator) execute(ctx context.Context, agent *types.Agent, project *types.Project, item *types.WorkItem, run *types.Run) *types.Result {
	if agent.Prompt == "" {
		return types.Failure(fmt.Sprintf("agent %q has no configured prompt", agent.Key))
	}

	expectedType, schemaDoc, err := schema.ForWorkType(item.WorkType)
	if err != nil {
		return types.Failure(err.Error())
	}

	resp, err := o.llm.Chat(ctx, &llm.ChatRequest{
		Prompt:  agent.Prompt,
		Context: buildContext(agent, project, item),
		Schema:  schemaDoc,
	})
	if err != nil {
		return types.Failure(fmt.Sprintf("LLM call failed: %v", err))
	}
	if len(resp.Content) == 0 {
		return types.Failure("LLM returned empty content")
	}
	o.recordCosts(run, resp.Usage)

	validated, err := schema.Validate(resp.Content, expectedType)
	if err != nil {
		return types.Failure(err.Error())
	}

	strat, err := o.strategies.Resolve(item.WorkType)
	if err != nil {
		return types.Failure(err.Error())
	}

	o.logger.Info("dispatching work item",
		zap.String("work_item", item.ID),
		zap.String("work_type", string(item.WorkType)),
		zap.String("agent", agent.Key))

	return strat.Execute(ctx, &strategy.ExecInput{
		Agent:    agent,
		Project:  project,
		WorkItem: item,
		Run:      run,
		Response: validated,
	})
}

// finalize terminates the claim: work item status, lock clearing, and run
// outcome in one transaction. Finalization failures are logged, not raised.
func (o *Orchestrator) finalize(item *types.WorkItem, run *types.Run, result *types.Result) {
	outcome := types.RunOutcomeFailure
	logs := result.Error
	if result.Success {
		outcome = types.RunOutcomeSuccess
		logs = result.Message
	}

	final := &db.RunFinal{
		GitHubPRNumber:  result.PRNumber,
		GitHubPRHeadSHA: result.PRHeadSHA,
		GitHubPRURL:     result.PRURL,
		Costs:           run.Costs,
	}
	if err := o.store.CompleteWorkItem(item.ID, run.ID, outcome, logs, final); err != nil {
		o.logger.Error("finalizing run failed",
			zap.String("work_item", item.ID),
			zap.String("run", run.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) recordCosts(run *types.Run, usage llm.Usage) {
	costs, err := json.Marshal(types.RunCosts{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	})
	if err != nil {
		return
	}
	run.Costs = costs
}

// buildContext projects read-only project/work item/agent state into the
// document handed to the model. No external calls happen here.
func buildContext(agent *types.Agent, project *types.Project, item *types.WorkItem) map[string]any {
	return map[string]any{
		"project": map[string]any{
			"name":           project.Name,
			"repo_full_name": project.RepoFullName,
			"default_branch": project.DefaultBranch,
		},
		"work_item": map[string]any{
			"id":        item.ID,
			"work_type": string(item.WorkType),
			"title":     item.Title,
			"priority":  item.Priority,
			"payload":   item.PayloadMap(),
		},
		"agent": map[string]any{
			"key":          agent.Key,
			"name":         agent.Name,
			"capabilities": agent.Capabilities,
		},
	}
}
