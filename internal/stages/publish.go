package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilePublisher stores approved diagram code on the local filesystem.
type FilePublisher struct {
	Dir string
}

var _ DiagramPublisher = (*FilePublisher)(nil)

// PublishDiagram writes the code to <dir>/<name>.tf and returns the
// path. Names are flattened to a single path element.
func (p *FilePublisher) PublishDiagram(_ context.Context, name, code string) (string, error) {
	if name == "" {
		name = "diagram"
	}
	name = strings.ReplaceAll(filepath.Base(name), string(os.PathSeparator), "_")

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(p.Dir, name+".tf")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("write diagram: %w", err)
	}
	return path, nil
}
