package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readFileMaxBytes caps how much of a file the tool returns.
const readFileMaxBytes = 256 * 1024

// ReadFileTool reads text files under the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

// NewReadFileTool creates the tool. When restrict is true, paths
// outside the workspace are refused.
func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file. Relative paths resolve against the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required"), nil
	}
	resolved, err := t.resolve(path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err)), nil
	}
	if len(data) > readFileMaxBytes {
		data = data[:readFileMaxBytes]
	}
	return TextResult(string(data)), nil
}

func (t *ReadFileTool) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workspace, path)
	}
	path = filepath.Clean(path)
	if t.restrict {
		ws := filepath.Clean(t.workspace)
		if path != ws && !strings.HasPrefix(path, ws+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return path, nil
}
