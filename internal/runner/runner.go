// Package runner maintains the per-permission-tier Dart environments that
// host dynamically registered tool scripts. Each tier gets its own project
// directory with a dependency manifest; the static analyzer working against
// that manifest is what bounds the imports a script may use.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

const (
	runnersDir   = ".envoy/runners"
	manifestFile = "pubspec.yaml"
	lockFile     = "pubspec.lock"

	resolveTimeout = 2 * time.Minute
	analyzeTimeout = 60 * time.Second
)

// tierPackages maps each permission tier to the packages its manifest grants.
// compute gets no imports at all; file tiers get path manipulation; network
// and process additionally get an HTTP client.
var tierPackages = map[string][]string{
	protocol.PermissionCompute:   {},
	protocol.PermissionReadFile:  {"path"},
	protocol.PermissionWriteFile: {"path"},
	protocol.PermissionNetwork:   {"path", "http"},
	protocol.PermissionProcess:   {"path", "http"},
}

var packageVersions = map[string]string{
	"path": "^1.9.0",
	"http": "^1.2.0",
}

// Runner manages tier environments under a workspace root.
type Runner struct {
	root    string
	dartBin string
}

// New creates a Runner. dartBin defaults to "dart" when empty.
func New(root, dartBin string) *Runner {
	if dartBin == "" {
		dartBin = "dart"
	}
	return &Runner{root: root, dartBin: dartBin}
}

// DartBin returns the interpreter binary this runner shells out to.
func (r *Runner) DartBin() string { return r.dartBin }

// Dir returns the environment directory for a tier.
func (r *Runner) Dir(tier string) string {
	return filepath.Join(r.root, runnersDir, tier)
}

// ToolsDir returns the scripts directory for a tier.
func (r *Runner) ToolsDir(tier string) string {
	return filepath.Join(r.Dir(tier), "tools")
}

// Ensure initializes the environment for a tier. It is idempotent: the
// directory and manifest are created if absent, and dependency resolution
// runs only while the lockfile marker is missing. Resolver errors are
// returned verbatim so registration can surface them.
func (r *Runner) Ensure(ctx context.Context, tier string) error {
	if !protocol.ValidPermission(tier) {
		return fmt.Errorf("unknown permission tier %q", tier)
	}

	dir := r.Dir(tier)
	if err := os.MkdirAll(r.ToolsDir(tier), 0o755); err != nil {
		return fmt.Errorf("create runner dir: %w", err)
	}

	manifest := filepath.Join(dir, manifestFile)
	if _, err := os.Stat(manifest); os.IsNotExist(err) {
		if err := os.WriteFile(manifest, []byte(manifestFor(tier)), 0o644); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, lockFile)); err == nil {
		return nil
	}

	slog.Info("runner: resolving dependencies", "tier", tier, "dir", dir)
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.dartBin, "pub", "get")
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dependency resolution failed for tier %s: %s", tier, strings.TrimSpace(out.String()))
	}
	return nil
}

// AnalyzeResult carries the analyzer's verdict on a script.
type AnalyzeResult struct {
	OK     bool   // analyzer exited zero (warnings allowed)
	Output string // combined analyzer output
}

// Analyze runs the Dart static analyzer against a script inside its tier
// environment. The analyzer refuses imports the tier manifest does not
// grant, which is the isolation layer for dynamic tools. A non-zero exit
// means errors; warnings alone exit zero and pass.
func (r *Runner) Analyze(ctx context.Context, scriptPath string) (*AnalyzeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.dartBin, "analyze", "--fatal-infos=false", scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &AnalyzeResult{Output: strings.TrimSpace(out.String())}
	if err == nil {
		result.OK = true
		return result, nil
	}
	if _, isExit := err.(*exec.ExitError); isExit {
		return result, nil // analyzer found errors; verdict is in Output
	}
	return nil, fmt.Errorf("run analyzer: %w", err)
}

// manifestFor renders the pubspec for a tier.
func manifestFor(tier string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "name: envoy_runner_%s\n", strings.ToLower(tier))
	sb.WriteString("description: Dependency environment for dynamically registered tools.\n")
	sb.WriteString("publish_to: none\n")
	sb.WriteString("environment:\n  sdk: '>=3.0.0 <4.0.0'\n")
	pkgs := tierPackages[tier]
	if len(pkgs) == 0 {
		return sb.String()
	}
	sb.WriteString("dependencies:\n")
	for _, p := range pkgs {
		fmt.Fprintf(&sb, "  %s: %q\n", p, packageVersions[p])
	}
	return sb.String()
}
