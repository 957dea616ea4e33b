// Package strategy turns validated LLM responses into concrete side effects.
//
// A strategy never raises: external-call failures are caught and folded into
// a failed result, and a response whose declared type does not match what
// the strategy expects is a typed invalid-input failure.
package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/githubapi"
	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/internal/workspace"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// ExecInput carries one validated execution into a strategy
type ExecInput struct {
	Agent    *types.Agent
	Project  *types.Project
	WorkItem *types.WorkItem
	Run      *types.Run
	Response *schema.Response
}

// Strategy executes a validated response as a side effect
type Strategy interface {
	Execute(ctx context.Context, in *ExecInput) *types.Result
}

// Registry resolves strategies from work types. The mapping is total over
// the recognized work types and fixed at construction.
type Registry struct {
	byWorkType map[types.WorkType]Strategy
}

// NewRegistry wires the strategy set against its dependencies
func NewRegistry(store *db.Store, ws *workspace.Executor, hosts workspace.HostClientFactory, logger *zap.Logger) *Registry {
	if hosts == nil {
		hosts = func(ctx context.Context, token config.Secret) (githubapi.Client, error) {
			return githubapi.New(ctx, token, "")
		}
	}

	database := &DatabaseStrategy{store: store, agents: db.NewAgentCache(store), logger: logger}
	files := &FileWriteStrategy{logger: logger}
	direct := &DirectAPIStrategy{store: store, hosts: hosts, logger: logger}
	wsStrategy := &WorkspaceStrategy{executor: ws}

	return &Registry{byWorkType: map[types.WorkType]Strategy{
		types.WorkTypeProductManager: database,
		types.WorkTypeGTM:            files,
		types.WorkTypeContent:        files,
		types.WorkTypeGitHubAPI:      direct,
		types.WorkTypeEngineer:       wsStrategy,
		types.WorkTypeCode:           wsStrategy,
		types.WorkTypeIssue:          wsStrategy,
	}}
}

// Resolve returns the strategy for a work type. An unrecognized work type is
// a configuration fault, fatal for the run that carries it.
func (r *Registry) Resolve(workType types.WorkType) (Strategy, error) {
	s, ok := r.byWorkType[workType]
	if !ok {
		return nil, fmt.Errorf("unknown work type %q", workType)
	}
	return s, nil
}

func typeMismatch(expected, got string) *types.Result {
	return types.Failure(fmt.Sprintf("invalid input: expected response type %q, got %q", expected, got))
}
