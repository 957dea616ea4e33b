package types

// Agent is an executable identity that claims and runs work items
type Agent struct {
	ID             string   `json:"id" db:"id"`
	Key            string   `json:"key" db:"key"`
	Name           string   `json:"name" db:"name"`
	Prompt         string   `json:"prompt" db:"prompt"`
	Capabilities   []string `json:"capabilities" db:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency" db:"max_concurrency"`
	CreatedAt      int64    `json:"created_at" db:"created_at"`
}

// Project owns work items and carries repository coordinates
type Project struct {
	ID            string `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	RepoFullName  string `json:"repo_full_name" db:"repo_full_name"`
	DefaultBranch string `json:"default_branch" db:"default_branch"`
	GitHubToken   string `json:"-" db:"github_token"`
	WebhookSecret string `json:"-" db:"webhook_secret"`
	Workdir       string `json:"workdir,omitempty" db:"workdir"`
	CreatedAt     int64  `json:"created_at" db:"created_at"`
}

// RepoOwnerName splits repo_full_name into owner and repository name.
// Returns empty strings if the name is not owner/repo shaped.
func (p *Project) RepoOwnerName() (string, string) {
	for i := 0; i < len(p.RepoFullName); i++ {
		if p.RepoFullName[i] == '/' {
			return p.RepoFullName[:i], p.RepoFullName[i+1:]
		}
	}
	return "", ""
}
