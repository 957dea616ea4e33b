package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// DatabaseStrategy creates work items described by a planning response.
// Agent keys are resolved through a cache-backed lookup; an unknown key
// skips that entry rather than failing the run.
type DatabaseStrategy struct {
	store  *db.Store
	agents *db.AgentCache
	logger *zap.Logger
}

// Execute upserts one pending work item per described entry
func (s *DatabaseStrategy) Execute(ctx context.Context, in *ExecInput) *types.Result {
	resp := in.Response
	if resp.Type != schema.TypeWorkItems {
		return typeMismatch(schema.TypeWorkItems, resp.Type)
	}
	if len(resp.WorkItems) == 0 {
		return types.Failure("nothing to do: response listed no work items")
	}

	created := 0
	for _, spec := range resp.WorkItems {
		agent, err := s.agents.Lookup(spec.AgentKey)
		if err != nil {
			return types.Failure(fmt.Sprintf("resolving agent %q: %v", spec.AgentKey, err))
		}
		if agent == nil {
			s.logger.Warn("skipping work item for unknown agent",
				zap.String("agent_key", spec.AgentKey),
				zap.String("work_type", spec.WorkType))
			continue
		}

		_, _, err = s.store.UpsertWorkItem(in.Project.ID, types.WorkType(spec.WorkType),
			spec.Title, spec.Payload, spec.Priority, agent.ID)
		if err != nil {
			return types.Failure(fmt.Sprintf("creating work item %q: %v", spec.Title, err))
		}
		created++
	}

	return &types.Result{
		Success:          true,
		Message:          fmt.Sprintf("created %d work items", created),
		WorkItemsCreated: created,
	}
}
