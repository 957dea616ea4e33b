package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// CreateAgent registers a new agent identity
func (s *Store) CreateAgent(key, name, prompt string, capabilities []string, maxConcurrency int) (*types.Agent, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshaling capabilities: %w", err)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	agent := &types.Agent{
		ID:             uuid.NewString(),
		Key:            key,
		Name:           name,
		Prompt:         prompt,
		Capabilities:   capabilities,
		MaxConcurrency: maxConcurrency,
		CreatedAt:      time.Now().Unix(),
	}

	_, err = s.DB.Exec(`
		INSERT INTO agents (id, key, name, prompt, capabilities, max_concurrency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Key, agent.Name, agent.Prompt, string(caps), agent.MaxConcurrency, agent.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	return agent, nil
}

func scanAgent(row interface{ Scan(...any) error }) (*types.Agent, error) {
	var agent types.Agent
	var caps string
	err := row.Scan(&agent.ID, &agent.Key, &agent.Name, &agent.Prompt, &caps, &agent.MaxConcurrency, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(caps), &agent.Capabilities)
	return &agent, nil
}

const agentColumns = `id, key, name, prompt, capabilities, max_concurrency, created_at`

// GetAgentByKey retrieves an agent by its key. Returns nil when absent.
func (s *Store) GetAgentByKey(key string) (*types.Agent, error) {
	row := s.DB.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE key = ?`, key)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID. Returns nil when absent.
func (s *Store) GetAgent(id string) (*types.Agent, error) {
	row := s.DB.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all registered agents
func (s *Store) ListAgents() ([]*types.Agent, error) {
	rows, err := s.DB.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// AgentCache provides a read-through cache for agent lookup by key.
// Strategies resolve agent keys from LLM output; unknown keys are frequent
// and cached as misses are not.
type AgentCache struct {
	store *Store
	mu    sync.RWMutex
	byKey map[string]*types.Agent
}

// NewAgentCache creates a cache backed by the given store
func NewAgentCache(store *Store) *AgentCache {
	return &AgentCache{store: store, byKey: make(map[string]*types.Agent)}
}

// Lookup returns the agent with the given key, or nil if unknown
func (c *AgentCache) Lookup(key string) (*types.Agent, error) {
	c.mu.RLock()
	agent, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return agent, nil
	}

	agent, err := c.store.GetAgentByKey(key)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		c.mu.Lock()
		c.byKey[key] = agent
		c.mu.Unlock()
	}
	return agent, nil
}
