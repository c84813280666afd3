package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/envoy/internal/workspace"
	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

const defaultRunTimeout = 30 * time.Second

// RunDartTool executes a Dart script: either inline code (written to a
// temp file) or a workspace-relative script path. Exactly one of the two
// must be provided.
type RunDartTool struct {
	SchemaValidated
	root    string
	dartBin string
	timeout time.Duration
}

func NewRunDartTool(root, dartBin string, timeout time.Duration) *RunDartTool {
	if dartBin == "" {
		dartBin = "dart"
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	t := &RunDartTool{root: root, dartBin: dartBin, timeout: timeout}
	t.BindSchema(t)
	return t
}

func (t *RunDartTool) Name() string       { return "run_dart" }
func (t *RunDartTool) Permission() string { return protocol.PermissionProcess }
func (t *RunDartTool) Description() string {
	return "Run a Dart script and return its output. Provide either inline code or a workspace-relative path, not both."
}

func (t *RunDartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Inline Dart code to run",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path to a Dart script",
			},
		},
	}
}

func (t *RunDartTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	code, _ := input["code"].(string)
	path, _ := input["path"].(string)

	switch {
	case code == "" && path == "":
		return ErrorResult("provide either code or path")
	case code != "" && path != "":
		return ErrorResult("provide either code or path, not both")
	}

	scriptPath := path
	if code != "" {
		tmp, err := os.CreateTemp("", "envoy_run_*.dart")
		if err != nil {
			return Errorf("create temp script: %v", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(code); err != nil {
			tmp.Close()
			return Errorf("write temp script: %v", err)
		}
		tmp.Close()
		scriptPath = tmp.Name()
	} else {
		resolved, err := workspace.Resolve(t.root, path)
		if err != nil {
			return ErrorResult(err.Error())
		}
		scriptPath = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.dartBin, "run", scriptPath)
	cmd.Dir = t.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Errorf("script timed out after %s", t.timeout)
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "exit code %d", exitCode)
		if stdout.Len() > 0 {
			sb.WriteString("\nSTDOUT:\n" + stdout.String())
		}
		if stderr.Len() > 0 {
			sb.WriteString("\nSTDERR:\n" + stderr.String())
		}
		return ErrorResult(sb.String())
	}

	out := stdout.String()
	if out == "" {
		out = "(script completed with no output)"
	}
	return Ok(out)
}
