// Package schema defines the expected LLM output shape per work type and
// validates model responses against it before any strategy runs.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// Response type tags
const (
	TypeWorkItems        = "work_items"
	TypeFileWrites       = "file_writes"
	TypeGitHubOperations = "github_operations"
	TypeCodeChanges      = "code_changes"
)

// Host operation names for github_operations responses
const (
	OpCreateIssue       = "create_issue"
	OpCreatePullRequest = "create_pull_request"
	OpCreateFilesWithPR = "create_files_with_pr"
)

// WorkItemSpec describes one work item the model wants created
type WorkItemSpec struct {
	AgentKey string          `json:"agent_key"`
	WorkType string          `json:"work_type"`
	Title    string          `json:"title"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// FileChange is one (path, content) pair to write
type FileChange struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

// HostOperation is one named operation against the repository host API
type HostOperation struct {
	Op     string       `json:"op"`
	Title  string       `json:"title,omitempty"`
	Body   string       `json:"body,omitempty"`
	Labels []string     `json:"labels,omitempty"`
	Head   string       `json:"head,omitempty"`
	Base   string       `json:"base,omitempty"`
	Files  []FileChange `json:"files,omitempty"`
}

// Response is the validated, normalized LLM output. Exactly one variant's
// fields are populated, selected by Type.
type Response struct {
	Type string `json:"type"`

	// work_items
	WorkItems []WorkItemSpec `json:"work_items,omitempty"`

	// file_writes and code_changes
	Files []FileChange `json:"files,omitempty"`

	// github_operations
	Operations []HostOperation `json:"operations,omitempty"`

	// code_changes
	CommitMessage string `json:"commit_message,omitempty"`
	PRTitle       string `json:"pr_title,omitempty"`
	PRBody        string `json:"pr_body,omitempty"`
}

// ValidationError reports a malformed or mismatched LLM response
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid response: " + e.Reason
}

var schemaDocs = map[string]json.RawMessage{
	TypeWorkItems: json.RawMessage(`{
		"type": "work_items",
		"work_items": [{"agent_key": "string", "work_type": "string", "title": "string", "priority": 0, "payload": {}}]
	}`),
	TypeFileWrites: json.RawMessage(`{
		"type": "file_writes",
		"files": [{"path": "string", "content": "string"}]
	}`),
	TypeGitHubOperations: json.RawMessage(`{
		"type": "github_operations",
		"operations": [{"op": "create_issue|create_pull_request|create_files_with_pr", "title": "string", "body": "string", "labels": ["string"], "head": "string", "base": "string", "files": [{"path": "string", "content": "string"}]}]
	}`),
	TypeCodeChanges: json.RawMessage(`{
		"type": "code_changes",
		"files": [{"path": "string", "content": "string"}],
		"commit_message": "string",
		"pr_title": "string",
		"pr_body": "string"
	}`),
}

// ForWorkType returns the response type tag and schema document expected for
// a work type. The mapping is total over the recognized work types; an
// unknown work type returns an error (configuration fault, fatal for the run).
func ForWorkType(workType types.WorkType) (string, json.RawMessage, error) {
	var tag string
	switch workType {
	case types.WorkTypeProductManager:
		tag = TypeWorkItems
	case types.WorkTypeGTM, types.WorkTypeContent:
		tag = TypeFileWrites
	case types.WorkTypeGitHubAPI:
		tag = TypeGitHubOperations
	case types.WorkTypeEngineer, types.WorkTypeCode, types.WorkTypeIssue:
		tag = TypeCodeChanges
	default:
		return "", nil, fmt.Errorf("no schema for work type %q", workType)
	}
	return tag, schemaDocs[tag], nil
}

// Validate parses and normalizes raw LLM content against the expected type.
// A parse failure or a type mismatch is a terminal validation failure.
func Validate(content json.RawMessage, expectedType string) (*Response, error) {
	if len(content) == 0 {
		return nil, &ValidationError{Reason: "empty content"}
	}

	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if resp.Type == "" {
		return nil, &ValidationError{Reason: "missing type field"}
	}
	if resp.Type != expectedType {
		return nil, &ValidationError{Reason: fmt.Sprintf("type %q does not match expected %q", resp.Type, expectedType)}
	}

	switch resp.Type {
	case TypeWorkItems:
		for i, spec := range resp.WorkItems {
			if spec.WorkType == "" {
				return nil, &ValidationError{Reason: fmt.Sprintf("work_items[%d] missing work_type", i)}
			}
		}
	case TypeGitHubOperations:
		for i, op := range resp.Operations {
			switch op.Op {
			case OpCreateIssue, OpCreatePullRequest, OpCreateFilesWithPR:
			default:
				return nil, &ValidationError{Reason: fmt.Sprintf("operations[%d] has unknown op %q", i, op.Op)}
			}
		}
	}

	return &resp, nil
}
