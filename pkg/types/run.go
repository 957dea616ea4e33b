package types

import "encoding/json"

// RunOutcome represents the terminal result of a run.
// An empty outcome means the run is still in progress.
type RunOutcome string

const (
	RunOutcomeNone    RunOutcome = ""
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeFailure RunOutcome = "failure"
)

// Run records one execution attempt of a work item by an agent
type Run struct {
	ID              string          `json:"id" db:"id"`
	AgentID         string          `json:"agent_id" db:"agent_id"`
	WorkItemID      string          `json:"work_item_id" db:"work_item_id"`
	StartedAt       int64           `json:"started_at" db:"started_at"`
	FinishedAt      *int64          `json:"finished_at,omitempty" db:"finished_at"`
	Outcome         RunOutcome      `json:"outcome,omitempty" db:"outcome"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Logs            string          `json:"logs,omitempty" db:"logs"`
	ArtifactsURL    string          `json:"artifacts_url,omitempty" db:"artifacts_url"`
	GitHubPRNumber  int             `json:"github_pr_number,omitempty" db:"github_pr_number"`
	GitHubPRHeadSHA string          `json:"github_pr_head_sha,omitempty" db:"github_pr_head_sha"`
	GitHubPRURL     string          `json:"github_pr_url,omitempty" db:"github_pr_url"`
	ExternalGroupID string          `json:"external_group_id,omitempty" db:"external_group_id"`
	Costs           json.RawMessage `json:"costs,omitempty" db:"costs"`
}

// Finished reports whether the run has reached a terminal state
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// RunCosts is the structured cost document persisted on a run
type RunCosts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
