package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFile_RoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := NewReadFileTool(root).Execute(context.Background(),
		map[string]interface{}{"path": "note.txt"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if res.Output != "hello" {
		t.Errorf("got %q", res.Output)
	}
}

func TestReadFile_EscapeRejected(t *testing.T) {
	res := NewReadFileTool(t.TempDir()).Execute(context.Background(),
		map[string]interface{}{"path": "../../etc/passwd"})
	if !res.IsError {
		t.Fatal("expected error for escaping path")
	}
	if !strings.Contains(res.Output, "escapes workspace") {
		t.Errorf("error should mention workspace escape: %s", res.Output)
	}
}

func TestReadFile_Missing(t *testing.T) {
	res := NewReadFileTool(t.TempDir()).Execute(context.Background(),
		map[string]interface{}{"path": "nope.txt"})
	if !res.IsError {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteFile_CreatesParents(t *testing.T) {
	root := t.TempDir()
	res := NewWriteFileTool(root).Execute(context.Background(), map[string]interface{}{
		"path":    "deep/nested/dir/out.txt",
		"content": "payload",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if !strings.Contains(res.Output, "7 bytes") {
		t.Errorf("summary should report bytes written: %s", res.Output)
	}
	data, err := os.ReadFile(filepath.Join(root, "deep/nested/dir/out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}
}

func TestWriteFile_Overwrites(t *testing.T) {
	root := t.TempDir()
	tool := NewWriteFileTool(root)
	ctx := context.Background()
	tool.Execute(ctx, map[string]interface{}{"path": "f.txt", "content": "first"})
	tool.Execute(ctx, map[string]interface{}{"path": "f.txt", "content": "second"})
	data, _ := os.ReadFile(filepath.Join(root, "f.txt"))
	if string(data) != "second" {
		t.Errorf("got %q, want overwrite", data)
	}
}

func TestWriteFile_EscapeRejected(t *testing.T) {
	res := NewWriteFileTool(t.TempDir()).Execute(context.Background(), map[string]interface{}{
		"path":    "../outside.txt",
		"content": "x",
	})
	if !res.IsError || !strings.Contains(res.Output, "escapes workspace") {
		t.Fatalf("expected escape error, got %v %q", res.IsError, res.Output)
	}
}

func TestSchemaValidation_WiredThroughRegistry(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry(NewReadFileTool(root))
	res := registry.Execute(context.Background(), "read_file", map[string]interface{}{})
	if !res.IsError {
		t.Fatal("missing required path should fail validation")
	}
	if !strings.Contains(res.Output, "path") {
		t.Errorf("validation error should name the field: %s", res.Output)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	registry := NewRegistry()
	res := registry.Execute(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.Output, "unknown tool") {
		t.Fatalf("got %v %q", res.IsError, res.Output)
	}
}
