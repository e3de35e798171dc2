package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 * 1024

// ReadFileSkill reads file contents from the workspace.
type ReadFileSkill struct {
	workspace string
}

func NewReadFileSkill(workspace string) *ReadFileSkill {
	return &ReadFileSkill{workspace: workspace}
}

func (s *ReadFileSkill) Name() string        { return "read_file" }
func (s *ReadFileSkill) Description() string { return "Read the contents of a file in the workspace" }
func (s *ReadFileSkill) Tags() []string      { return []string{"files", "read", "workspace"} }

func (s *ReadFileSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (s *ReadFileSkill) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	full, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return SilentResult(string(data) + "\n[truncated]")
	}
	return SilentResult(string(data))
}

// WriteFileSkill writes file contents inside the workspace.
type WriteFileSkill struct {
	workspace string
}

func NewWriteFileSkill(workspace string) *WriteFileSkill {
	return &WriteFileSkill{workspace: workspace}
}

func (s *WriteFileSkill) Name() string        { return "write_file" }
func (s *WriteFileSkill) Description() string { return "Write content to a file in the workspace" }
func (s *WriteFileSkill) Tags() []string      { return []string{"files", "write", "workspace"} }

func (s *WriteFileSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (s *WriteFileSkill) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	full, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create dir: %v", err))
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// ListFilesSkill lists a workspace directory.
type ListFilesSkill struct {
	workspace string
}

func NewListFilesSkill(workspace string) *ListFilesSkill {
	return &ListFilesSkill{workspace: workspace}
}

func (s *ListFilesSkill) Name() string        { return "list_files" }
func (s *ListFilesSkill) Description() string { return "List files in a workspace directory" }
func (s *ListFilesSkill) Tags() []string      { return []string{"files", "list", "workspace"} }

func (s *ListFilesSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace. Default: workspace root.",
			},
		},
	}
}

func (s *ListFilesSkill) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	full, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	if b.Len() == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(b.String())
}

// resolveWorkspacePath joins path onto the workspace and rejects escapes.
func resolveWorkspacePath(workspace, path string) (string, error) {
	if filepath.IsAbs(path) {
		if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(workspace)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
		return filepath.Clean(path), nil
	}
	full := filepath.Clean(filepath.Join(workspace, path))
	if !strings.HasPrefix(full, filepath.Clean(workspace)) {
		return "", fmt.Errorf("path %s escapes the workspace", path)
	}
	return full, nil
}
