package strategy

import (
	"context"

	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/internal/workspace"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// WorkspaceStrategy delegates the branch/commit/push/PR sequence to the
// workspace executor instead of the host API.
type WorkspaceStrategy struct {
	executor *workspace.Executor
}

// Execute hands the validated code changes to the workspace executor
func (s *WorkspaceStrategy) Execute(ctx context.Context, in *ExecInput) *types.Result {
	resp := in.Response
	if resp.Type != schema.TypeCodeChanges {
		return typeMismatch(schema.TypeCodeChanges, resp.Type)
	}
	if len(resp.Files) == 0 {
		return types.Failure("nothing to do: response listed no file changes")
	}

	return s.executor.Execute(ctx, &workspace.Request{
		Agent:         in.Agent,
		Project:       in.Project,
		WorkItem:      in.WorkItem,
		Run:           in.Run,
		Files:         resp.Files,
		CommitMessage: resp.CommitMessage,
		PRTitle:       resp.PRTitle,
		PRBody:        resp.PRBody,
	})
}
