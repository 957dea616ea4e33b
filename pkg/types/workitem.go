// Package types defines core data structures for Muster
package types

import "encoding/json"

// WorkItemStatus represents the lifecycle state of a work item
type WorkItemStatus string

const (
	WorkItemStatusPending    WorkItemStatus = "pending"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusFailed     WorkItemStatus = "failed"
)

// WorkType tags a work item with the strategy that executes it
type WorkType string

const (
	WorkTypeProductManager WorkType = "product_manager" // LLM plans new work items
	WorkTypeGTM            WorkType = "gtm"             // Go-to-market content (file writes)
	WorkTypeContent        WorkType = "content"         // General content (file writes)
	WorkTypeGitHubAPI      WorkType = "github_api"      // Direct host API operations
	WorkTypeEngineer       WorkType = "engineer"        // Workspace branch/commit/PR flow
	WorkTypeCode           WorkType = "code"            // Workspace branch/commit/PR flow
	WorkTypeIssue          WorkType = "issue"           // Imported GitHub issue
)

// WorkItem represents a unit of schedulable work for an agent
type WorkItem struct {
	ID                string          `json:"id" db:"id"`
	ProjectID         string          `json:"project_id" db:"project_id"`
	WorkType          WorkType        `json:"work_type" db:"work_type"`
	Title             string          `json:"title" db:"title"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	Status            WorkItemStatus  `json:"status" db:"status"`
	Priority          int             `json:"priority" db:"priority"`
	AssignedAgentID   string          `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	LockedAt          *int64          `json:"locked_at,omitempty" db:"locked_at"`
	LockedByAgentID   string          `json:"locked_by_agent_id,omitempty" db:"locked_by_agent_id"`
	GitHubIssueNumber int             `json:"github_issue_number,omitempty" db:"github_issue_number"`
	CreatedAt         int64           `json:"created_at" db:"created_at"`
	UpdatedAt         int64           `json:"updated_at" db:"updated_at"`
}

// PayloadMap decodes the payload document into a generic map.
// A nil or empty payload decodes to an empty map.
func (w *WorkItem) PayloadMap() map[string]any {
	out := map[string]any{}
	if len(w.Payload) == 0 {
		return out
	}
	_ = json.Unmarshal(w.Payload, &out)
	return out
}
