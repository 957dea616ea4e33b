package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// StatusCounts summarizes work items by status
type StatusCounts struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

const workItemColumns = `id, project_id, work_type, COALESCE(title, ''), payload, status, priority,
	COALESCE(assigned_agent_id, ''), locked_at, COALESCE(locked_by_agent_id, ''),
	COALESCE(github_issue_number, 0), created_at, updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (*types.WorkItem, error) {
	var item types.WorkItem
	var payload string
	var lockedAt sql.NullInt64

	err := row.Scan(&item.ID, &item.ProjectID, &item.WorkType, &item.Title, &payload,
		&item.Status, &item.Priority, &item.AssignedAgentID, &lockedAt,
		&item.LockedByAgentID, &item.GitHubIssueNumber, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Payload = json.RawMessage(payload)
	if lockedAt.Valid {
		unix := lockedAt.Int64
		item.LockedAt = &unix
	}
	return &item, nil
}

// CreateWorkItem creates a new pending work item
func (s *Store) CreateWorkItem(projectID string, workType types.WorkType, title string, payload json.RawMessage, priority int, assignedAgentID string) (*types.WorkItem, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := time.Now().Unix()

	item := &types.WorkItem{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		WorkType:        workType,
		Title:           title,
		Payload:         payload,
		Status:          types.WorkItemStatusPending,
		Priority:        priority,
		AssignedAgentID: assignedAgentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var assigned any
	if assignedAgentID != "" {
		assigned = assignedAgentID
	}

	_, err := s.DB.Exec(`
		INSERT INTO work_items (id, project_id, work_type, title, payload, status, priority, assigned_agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ProjectID, item.WorkType, item.Title, string(item.Payload), item.Status, item.Priority, assigned, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating work item: %w", err)
	}

	return item, nil
}

// LeaseNext atomically claims the next eligible work item for an agent.
//
// Eligible rows have status = 'pending' and no lock holder; the highest
// priority wins, ties broken by oldest creation time. The claim is a single
// UPDATE whose WHERE re-checks eligibility, so under N concurrent callers
// racing for one eligible row exactly one caller receives it and the rest
// see no rows. A run row is created in the same transaction.
//
// Returns (nil, nil, nil) when no eligible work item exists.
func (s *Store) LeaseNext(agent *types.Agent) (*types.WorkItem, *types.Run, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	row := tx.QueryRow(`
		UPDATE work_items
		SET status = 'in_progress',
		    locked_at = ?,
		    locked_by_agent_id = ?,
		    assigned_agent_id = COALESCE(assigned_agent_id, ?),
		    updated_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = 'pending' AND locked_by_agent_id IS NULL
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = 'pending' AND locked_by_agent_id IS NULL
		RETURNING `+workItemColumns,
		now, agent.ID, agent.ID, now)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		// No rows claimed: either nothing is pending, or another claimant
		// took the last eligible row between the subquery read and the
		// UPDATE. Either way the caller gets none.
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claiming work item: %w", err)
	}

	run := &types.Run{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		WorkItemID: item.ID,
		StartedAt:  now,
		Costs:      json.RawMessage("{}"),
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, agent_id, work_item_id, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.AgentID, run.WorkItemID, run.StartedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("creating run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing claim: %w", err)
	}

	return item, run, nil
}

// ReleaseWorkItem clears the lock fields without changing status.
// Used on infrastructure failure before any side effect has happened.
func (s *Store) ReleaseWorkItem(itemID string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_items
		SET locked_at = NULL, locked_by_agent_id = NULL, updated_at = ?
		WHERE id = ?
	`, now, itemID)
	if err != nil {
		return fmt.Errorf("releasing work item: %w", err)
	}
	return nil
}

// RunFinal carries optional correlation fields recorded at run finalization
type RunFinal struct {
	ArtifactsURL    string
	GitHubPRNumber  int
	GitHubPRHeadSHA string
	GitHubPRURL     string
	Costs           json.RawMessage
}

// CompleteWorkItem terminates a claim in a single transaction: the work item
// status becomes completed or failed, the lock is cleared, and the run is
// finalized with the given outcome and logs.
func (s *Store) CompleteWorkItem(itemID, runID string, outcome types.RunOutcome, logs string, final *RunFinal) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	status := types.WorkItemStatusCompleted
	if outcome != types.RunOutcomeSuccess {
		status = types.WorkItemStatusFailed
	}

	_, err = tx.Exec(`
		UPDATE work_items
		SET status = ?, locked_at = NULL, locked_by_agent_id = NULL, updated_at = ?
		WHERE id = ?
	`, status, now, itemID)
	if err != nil {
		return fmt.Errorf("completing work item: %w", err)
	}

	if err := finalizeRunTx(tx, runID, outcome, logs, now, final); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateWorkItemStatus updates a work item's status
func (s *Store) UpdateWorkItemStatus(itemID string, status types.WorkItemStatus) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?
	`, status, now, itemID)
	return err
}

// UpdateWorkItemPayload replaces a work item's payload document
func (s *Store) UpdateWorkItemPayload(itemID string, payload json.RawMessage) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_items SET payload = ?, updated_at = ? WHERE id = ?
	`, string(payload), now, itemID)
	return err
}

// GetWorkItem retrieves a work item by ID
func (s *Store) GetWorkItem(itemID string) (*types.WorkItem, error) {
	row := s.DB.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, itemID)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting work item: %w", err)
	}
	return item, nil
}

// UpsertWorkItem creates or refreshes a pending work item keyed by
// (project, work_type). An existing row keeps its identity; payload,
// priority, and title are replaced and the status reset to pending.
func (s *Store) UpsertWorkItem(projectID string, workType types.WorkType, title string, payload json.RawMessage, priority int, assignedAgentID string) (*types.WorkItem, bool, error) {
	row := s.DB.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND work_type = ? LIMIT 1`, projectID, workType)
	existing, err := scanWorkItem(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("looking up work item: %w", err)
	}

	if existing == nil {
		item, err := s.CreateWorkItem(projectID, workType, title, payload, priority, assignedAgentID)
		return item, true, err
	}

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := time.Now().Unix()
	_, err = s.DB.Exec(`
		UPDATE work_items
		SET title = ?, payload = ?, priority = ?, status = 'pending', updated_at = ?
		WHERE id = ?
	`, title, string(payload), priority, now, existing.ID)
	if err != nil {
		return nil, false, fmt.Errorf("updating work item: %w", err)
	}

	existing.Title = title
	existing.Payload = payload
	existing.Priority = priority
	existing.Status = types.WorkItemStatusPending
	existing.UpdatedAt = now
	return existing, false, nil
}

// FindWorkItemByIssueNumber locates the work item correlated to a GitHub issue
func (s *Store) FindWorkItemByIssueNumber(projectID string, issueNumber int) (*types.WorkItem, error) {
	row := s.DB.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND github_issue_number = ? LIMIT 1`,
		projectID, issueNumber)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding work item by issue: %w", err)
	}
	return item, nil
}

// UpsertIssueWorkItem creates or updates a work item correlated to a GitHub
// issue, keyed by (project, github_issue_number).
func (s *Store) UpsertIssueWorkItem(projectID string, issueNumber int, title string, payload json.RawMessage, status types.WorkItemStatus) (*types.WorkItem, error) {
	existing, err := s.FindWorkItemByIssueNumber(projectID, issueNumber)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if existing == nil {
		item := &types.WorkItem{
			ID:                uuid.NewString(),
			ProjectID:         projectID,
			WorkType:          types.WorkTypeIssue,
			Title:             title,
			Payload:           payload,
			Status:            status,
			GitHubIssueNumber: issueNumber,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		_, err := s.DB.Exec(`
			INSERT INTO work_items (id, project_id, work_type, title, payload, status, priority, github_issue_number, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, item.ID, item.ProjectID, item.WorkType, item.Title, string(item.Payload), item.Status, issueNumber, now, now)
		if err != nil {
			return nil, fmt.Errorf("creating issue work item: %w", err)
		}
		return item, nil
	}

	_, err = s.DB.Exec(`
		UPDATE work_items SET title = ?, payload = ?, status = ?, updated_at = ? WHERE id = ?
	`, title, string(payload), status, now, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("updating issue work item: %w", err)
	}
	existing.Title = title
	existing.Payload = payload
	existing.Status = status
	existing.UpdatedAt = now
	return existing, nil
}

// ReleaseStaleLocks returns work items whose lock is older than the cutoff
// back to the pending pool. Used by the reaper for crashed or timed-out
// executions that never reached completion.
func (s *Store) ReleaseStaleLocks(cutoff time.Time) (int, error) {
	now := time.Now().Unix()
	result, err := s.DB.Exec(`
		UPDATE work_items
		SET status = 'pending', locked_at = NULL, locked_by_agent_id = NULL, updated_at = ?
		WHERE status = 'in_progress' AND locked_at IS NOT NULL AND locked_at < ?
	`, now, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("releasing stale locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetStatusCounts returns work item counts grouped by status
func (s *Store) GetStatusCounts() (*StatusCounts, error) {
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}
	defer rows.Close()

	counts := &StatusCounts{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		switch types.WorkItemStatus(status) {
		case types.WorkItemStatusPending:
			counts.Pending = count
		case types.WorkItemStatusInProgress:
			counts.InProgress = count
		case types.WorkItemStatusCompleted:
			counts.Completed = count
		case types.WorkItemStatusFailed:
			counts.Failed = count
		}
	}

	counts.Total = counts.Pending + counts.InProgress + counts.Completed + counts.Failed
	return counts, nil
}
