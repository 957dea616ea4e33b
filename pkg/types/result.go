package types

// Result is the outcome of one orchestrated execution attempt.
// Failures inside the orchestration boundary are folded into the
// result rather than surfaced as errors to the leasing caller.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	// Strategy-specific fields
	WorkItemsCreated int      `json:"work_items_created,omitempty"`
	FilesWritten     []string `json:"files_written,omitempty"`
	Branch           string   `json:"branch,omitempty"`
	PRNumber         int      `json:"pr_number,omitempty"`
	PRURL            string   `json:"pr_url,omitempty"`
	PRHeadSHA        string   `json:"pr_head_sha,omitempty"`
	IssueNumber      int      `json:"issue_number,omitempty"`
	Skipped          bool     `json:"skipped,omitempty"` // duplicate execution detected via idempotency key
}

// Failure builds a failed result from an error message
func Failure(msg string) *Result {
	return &Result{Success: false, Error: msg}
}
