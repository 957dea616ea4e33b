package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/muster/pkg/types"
)

const runColumns = `id, COALESCE(agent_id, ''), work_item_id, started_at, finished_at, outcome,
	COALESCE(idempotency_key, ''), logs, artifacts_url,
	COALESCE(github_pr_number, 0), github_pr_head_sha, github_pr_url, external_group_id, costs`

func scanRun(row interface{ Scan(...any) error }) (*types.Run, error) {
	var run types.Run
	var finishedAt sql.NullInt64
	var costs string

	err := row.Scan(&run.ID, &run.AgentID, &run.WorkItemID, &run.StartedAt, &finishedAt,
		&run.Outcome, &run.IdempotencyKey, &run.Logs, &run.ArtifactsURL,
		&run.GitHubPRNumber, &run.GitHubPRHeadSHA, &run.GitHubPRURL, &run.ExternalGroupID, &costs)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		unix := finishedAt.Int64
		run.FinishedAt = &unix
	}
	run.Costs = json.RawMessage(costs)
	return &run, nil
}

// CreateRun creates a new in-progress run for a work item
func (s *Store) CreateRun(agentID, workItemID, idempotencyKey string) (*types.Run, error) {
	run := &types.Run{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		WorkItemID:     workItemID,
		StartedAt:      time.Now().Unix(),
		IdempotencyKey: idempotencyKey,
		Costs:          json.RawMessage("{}"),
	}

	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	var agent any
	if agentID != "" {
		agent = agentID
	}

	_, err := s.DB.Exec(`
		INSERT INTO runs (id, agent_id, work_item_id, started_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, agent, run.WorkItemID, run.StartedAt, key)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return run, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(runID string) (*types.Run, error) {
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

func finalizeRunTx(tx *sql.Tx, runID string, outcome types.RunOutcome, logs string, now int64, final *RunFinal) error {
	// Finalization is idempotent: finished_at is only set once, and
	// re-setting the same outcome is harmless. Correlation fields are
	// only overwritten when the finalizer actually carries them.
	artifacts, prURL, headSHA := "", "", ""
	prNumber := 0
	costs := ""
	if final != nil {
		artifacts = final.ArtifactsURL
		prURL = final.GitHubPRURL
		headSHA = final.GitHubPRHeadSHA
		prNumber = final.GitHubPRNumber
		if len(final.Costs) > 0 {
			costs = string(final.Costs)
		}
	}

	_, err := tx.Exec(`
		UPDATE runs
		SET outcome = ?,
		    finished_at = COALESCE(finished_at, ?),
		    logs = CASE WHEN ? != '' THEN ? ELSE logs END,
		    artifacts_url = CASE WHEN ? != '' THEN ? ELSE artifacts_url END,
		    github_pr_number = CASE WHEN ? != 0 THEN ? ELSE github_pr_number END,
		    github_pr_head_sha = CASE WHEN ? != '' THEN ? ELSE github_pr_head_sha END,
		    github_pr_url = CASE WHEN ? != '' THEN ? ELSE github_pr_url END,
		    costs = CASE WHEN ? != '' THEN ? ELSE costs END
		WHERE id = ?
	`, outcome, now,
		logs, logs,
		artifacts, artifacts,
		prNumber, prNumber,
		headSHA, headSHA,
		prURL, prURL,
		costs, costs,
		runID)
	if err != nil {
		return fmt.Errorf("finalizing run: %w", err)
	}
	return nil
}

// FinalizeRun sets a run's terminal outcome and finished_at. Safe to call
// more than once; the first finisher's timestamp wins.
func (s *Store) FinalizeRun(runID string, outcome types.RunOutcome, logs string, final *RunFinal) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := finalizeRunTx(tx, runID, outcome, logs, time.Now().Unix(), final); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRunCorrelation backfills PR correlation fields onto a run.
// Only non-zero values are written; existing fields are preserved otherwise.
func (s *Store) UpdateRunCorrelation(runID string, prNumber int, prURL, headSHA string) error {
	_, err := s.DB.Exec(`
		UPDATE runs
		SET github_pr_number = CASE WHEN ? != 0 THEN ? ELSE github_pr_number END,
		    github_pr_url = CASE WHEN ? != '' THEN ? ELSE github_pr_url END,
		    github_pr_head_sha = CASE WHEN ? != '' THEN ? ELSE github_pr_head_sha END
		WHERE id = ?
	`, prNumber, prNumber, prURL, prURL, headSHA, headSHA, runID)
	if err != nil {
		return fmt.Errorf("updating run correlation: %w", err)
	}
	return nil
}

// FindRunByIdempotencyKey locates a run by its idempotency key
func (s *Store) FindRunByIdempotencyKey(key string) (*types.Run, error) {
	if key == "" {
		return nil, nil
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by idempotency key: %w", err)
	}
	return run, nil
}

// FindRunByPRNumber locates the most recent run correlated to a PR number
func (s *Store) FindRunByPRNumber(prNumber int) (*types.Run, error) {
	if prNumber == 0 {
		return nil, nil
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE github_pr_number = ? ORDER BY started_at DESC LIMIT 1`, prNumber)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by PR number: %w", err)
	}
	return run, nil
}

// FindRunByHeadSHA locates the most recent run correlated to a commit SHA
func (s *Store) FindRunByHeadSHA(sha string) (*types.Run, error) {
	if sha == "" {
		return nil, nil
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE github_pr_head_sha = ? ORDER BY started_at DESC LIMIT 1`, sha)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by head SHA: %w", err)
	}
	return run, nil
}

// FindRunByExternalGroupID locates the most recent run correlated to a CI
// provider's group identifier (workflow run or check suite ID).
func (s *Store) FindRunByExternalGroupID(groupID string) (*types.Run, error) {
	if groupID == "" {
		return nil, nil
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE external_group_id = ? ORDER BY started_at DESC LIMIT 1`, groupID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by external group: %w", err)
	}
	return run, nil
}

// SetRunExternalGroupID records the CI group identifier on a run so later
// deliveries for the same group can be correlated without a PR or SHA match.
func (s *Store) SetRunExternalGroupID(runID, groupID string) error {
	if groupID == "" {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET external_group_id = ? WHERE id = ?`, groupID, runID)
	if err != nil {
		return fmt.Errorf("setting external group: %w", err)
	}
	return nil
}

// FindRunForWorkItem locates a run for a work item, preferring one whose PR
// URL matches, then falling back to the most recent run.
func (s *Store) FindRunForWorkItem(workItemID, prURL string) (*types.Run, error) {
	if prURL != "" {
		row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE work_item_id = ? AND github_pr_url = ? ORDER BY started_at DESC LIMIT 1`,
			workItemID, prURL)
		run, err := scanRun(row)
		if err == nil {
			return run, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("finding run by PR URL: %w", err)
		}
	}

	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE work_item_id = ? ORDER BY started_at DESC LIMIT 1`, workItemID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding run for work item: %w", err)
	}
	return run, nil
}

// ClaimIdempotencyKey attaches an idempotency key to an existing run.
// A failed earlier attempt gives the key up so the retry can own it; the
// unique index keeps at most one holder. Only a successful run retains the
// key permanently, and callers detect that case via FindRunByIdempotencyKey
// before claiming.
func (s *Store) ClaimIdempotencyKey(runID, key string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE runs SET idempotency_key = NULL
		WHERE idempotency_key = ? AND outcome != 'success' AND id != ?
	`, key, runID)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}

	_, err = tx.Exec(`UPDATE runs SET idempotency_key = ? WHERE id = ? AND idempotency_key IS NULL`, key, runID)
	if err != nil {
		return fmt.Errorf("setting idempotency key: %w", err)
	}
	return tx.Commit()
}

// FindOrCreateRun returns the run with the given idempotency key, creating it
// if absent. A unique-constraint race with a concurrent creator is resolved
// by re-fetching the winner's row.
func (s *Store) FindOrCreateRun(agentID, workItemID, idempotencyKey string) (*types.Run, error) {
	if idempotencyKey != "" {
		if run, err := s.FindRunByIdempotencyKey(idempotencyKey); err != nil || run != nil {
			return run, err
		}
	}

	run, err := s.CreateRun(agentID, workItemID, idempotencyKey)
	if err != nil {
		if idempotencyKey != "" && isUniqueViolation(err) {
			return s.FindRunByIdempotencyKey(idempotencyKey)
		}
		return nil, err
	}
	return run, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
