package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/envoy/internal/workspace"
	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// ReadFileTool reads a file from inside the workspace.
type ReadFileTool struct {
	SchemaValidated
	root string
}

func NewReadFileTool(root string) *ReadFileTool {
	t := &ReadFileTool{root: root}
	t.BindSchema(t)
	return t
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Permission() string  { return protocol.PermissionReadFile }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace" }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	path, _ := input["path"].(string)
	resolved, err := workspace.Resolve(t.root, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("failed to read file: %v", err)
	}
	return Ok(string(data))
}

// WriteFileTool writes a file inside the workspace, creating parent
// directories and overwriting any existing content.
type WriteFileTool struct {
	SchemaValidated
	root string
}

func NewWriteFileTool(root string) *WriteFileTool {
	t := &WriteFileTool{root: root}
	t.BindSchema(t)
	return t
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Permission() string  { return protocol.PermissionWriteFile }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)

	resolved, err := workspace.Resolve(t.root, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf("failed to create parent directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf("failed to write file: %v", err)
	}
	return Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}
