package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/envoy/internal/runner"
	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// ToolExistsFunc answers whether a tool name is already taken.
type ToolExistsFunc func(name string) bool

// OnRegisterFunc receives the constructed DynamicTool after a successful
// registration; callers use it to add the tool to registries and persist it.
type OnRegisterFunc func(tool *DynamicTool)

// ReviewGateFunc is the human-in-the-loop gate. Returning false blocks the
// registration after analysis has already passed.
type ReviewGateFunc func(name, permission, code string) bool

// RegisterToolTool lets the model extend its own capability set: it writes
// a script into the tier's runner environment, gates it through the static
// analyzer and an optional review callback, and hands the resulting
// DynamicTool to the registration hook. Deduplication and persistence live
// behind callbacks so this tool stays decoupled from any registry.
type RegisterToolTool struct {
	SchemaValidated
	runner     *runner.Runner
	toolExists ToolExistsFunc
	onRegister OnRegisterFunc
	reviewGate ReviewGateFunc
}

type RegisterToolConfig struct {
	Runner     *runner.Runner
	ToolExists ToolExistsFunc
	OnRegister OnRegisterFunc
	ReviewGate ReviewGateFunc
}

func NewRegisterToolTool(cfg RegisterToolConfig) *RegisterToolTool {
	t := &RegisterToolTool{
		runner:     cfg.Runner,
		toolExists: cfg.ToolExists,
		onRegister: cfg.OnRegister,
		reviewGate: cfg.ReviewGate,
	}
	t.BindSchema(t)
	return t
}

func (t *RegisterToolTool) Name() string       { return "register_tool" }
func (t *RegisterToolTool) Permission() string { return protocol.PermissionCompute }
func (t *RegisterToolTool) Description() string {
	return "Register a new tool backed by a Dart script. The script receives the JSON-encoded input as its only argument and must print {\"success\": true, \"output\": \"...\"} or {\"success\": false, \"error\": \"...\"} to stdout."
}

func (t *RegisterToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Unique tool name (snake_case)",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "What the tool does, for the model's catalog",
			},
			"permission": map[string]interface{}{
				"type":        "string",
				"description": "Permission tier: compute, readFile, writeFile, network, or process",
			},
			"input_schema": map[string]interface{}{
				"type":        "object",
				"description": "JSON schema for the tool's input object",
			},
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Dart source for the tool script",
			},
		},
		"required": []string{"name", "description", "permission", "input_schema", "code"},
	}
}

func (t *RegisterToolTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	name, _ := input["name"].(string)
	description, _ := input["description"].(string)
	permission, _ := input["permission"].(string)
	schema, _ := input["input_schema"].(map[string]interface{})
	code, _ := input["code"].(string)

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrorResult("name is required")
	}
	if !validToolName(name) {
		return Errorf("invalid tool name %q: use lowercase letters, digits, and underscores", name)
	}
	if strings.TrimSpace(code) == "" {
		return ErrorResult("code must be a non-empty string")
	}
	if !protocol.ValidPermission(permission) {
		return Errorf("unknown permission %q: valid tiers are %s", permission, strings.Join(protocol.Permissions, ", "))
	}

	// Dedup: an existing tool wins; no files are touched.
	if t.toolExists != nil && t.toolExists(name) {
		return Ok(fmt.Sprintf("tool %s already exists — call it directly instead of re-registering", name))
	}

	if err := t.runner.Ensure(ctx, permission); err != nil {
		return Errorf("prepare runner environment: %v", err)
	}

	scriptPath := filepath.Join(t.runner.ToolsDir(permission), name+".dart")
	if err := os.MkdirAll(filepath.Dir(scriptPath), 0o755); err != nil {
		return Errorf("create tools dir: %v", err)
	}
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return Errorf("write script: %v", err)
	}

	analysis, err := t.runner.Analyze(ctx, scriptPath)
	if err != nil {
		t.cleanup(scriptPath)
		return Errorf("run analyzer: %v", err)
	}
	if !analysis.OK {
		t.cleanup(scriptPath)
		return Errorf("static analysis failed:\n%s", analysis.Output)
	}

	if t.reviewGate != nil && !t.reviewGate(name, permission, code) {
		t.cleanup(scriptPath)
		return ErrorResult("registration blocked by review gate")
	}

	tool := NewDynamicTool(DynamicToolSpec{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Permission:  permission,
		ScriptPath:  scriptPath,
		TimeoutSecs: int(defaultRunTimeout.Seconds()),
	}, t.runner.DartBin())

	if t.onRegister != nil {
		t.onRegister(tool)
	}

	slog.Info("registered dynamic tool", "name", name, "permission", permission, "script", scriptPath)
	return Ok(fmt.Sprintf("registered tool %s (tier %s) at %s", name, permission, scriptPath))
}

func (t *RegisterToolTool) cleanup(scriptPath string) {
	if err := os.Remove(scriptPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove rejected tool script", "path", scriptPath, "error", err)
	}
}

func validToolName(name string) bool {
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
