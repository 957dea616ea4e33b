package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/muster/pkg/types"
)

const projectColumns = `id, name, repo_full_name, default_branch, github_token, webhook_secret, workdir, created_at`

func scanProject(row interface{ Scan(...any) error }) (*types.Project, error) {
	var p types.Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoFullName, &p.DefaultBranch, &p.GitHubToken, &p.WebhookSecret, &p.Workdir, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject registers a new project
func (s *Store) CreateProject(p *types.Project) (*types.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	p.CreatedAt = time.Now().Unix()

	_, err := s.DB.Exec(`
		INSERT INTO projects (id, name, repo_full_name, default_branch, github_token, webhook_secret, workdir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RepoFullName, p.DefaultBranch, p.GitHubToken, p.WebhookSecret, p.Workdir, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID. Returns nil when absent.
func (s *Store) GetProject(id string) (*types.Project, error) {
	row := s.DB.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return p, nil
}

// ListProjects returns all registered projects
func (s *Store) ListProjects() ([]*types.Project, error) {
	rows, err := s.DB.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}
