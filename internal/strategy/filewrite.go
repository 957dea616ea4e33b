package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/schema"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// FileWriteStrategy writes (path, content) pairs under the project's working
// tree. Entries missing a path or content are skipped, not fatal.
type FileWriteStrategy struct {
	logger *zap.Logger
}

// Execute writes the requested files and reports the paths written
func (s *FileWriteStrategy) Execute(ctx context.Context, in *ExecInput) *types.Result {
	resp := in.Response
	if resp.Type != schema.TypeFileWrites {
		return typeMismatch(schema.TypeFileWrites, resp.Type)
	}
	if len(resp.Files) == 0 {
		return types.Failure("nothing to do: response listed no files")
	}

	root := in.Project.Workdir
	if root == "" {
		return types.Failure("project has no working tree configured")
	}

	var written []string
	for _, f := range resp.Files {
		if f.Path == "" || f.Content == nil {
			s.logger.Warn("skipping incomplete file entry", zap.String("path", f.Path))
			continue
		}

		target := filepath.Join(root, f.Path)
		if rel, err := filepath.Rel(root, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			s.logger.Warn("skipping path outside working tree", zap.String("path", f.Path))
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return types.Failure(fmt.Sprintf("creating directory for %s: %v", f.Path, err))
		}
		if err := os.WriteFile(target, []byte(*f.Content), 0644); err != nil {
			return types.Failure(fmt.Sprintf("writing %s: %v", f.Path, err))
		}
		written = append(written, f.Path)
	}

	if len(written) == 0 {
		return types.Failure("nothing to do: no writable file entries")
	}

	return &types.Result{
		Success:      true,
		Message:      fmt.Sprintf("wrote %d files", len(written)),
		FilesWritten: written,
	}
}
