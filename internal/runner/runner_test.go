package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// fakeDart writes a shell script that stands in for the dart binary.
// It succeeds and, for "pub get", drops a lockfile in the cwd.
func fakeDart(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "dart")
	script := "#!/bin/sh\nif [ \"$1\" = \"pub\" ]; then touch pubspec.lock; fi\nexit 0\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake dart: %v", err)
	}
	return bin
}

func TestEnsure_CreatesEnvironment(t *testing.T) {
	root := t.TempDir()
	r := New(root, fakeDart(t))

	if err := r.Ensure(context.Background(), protocol.PermissionNetwork); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	manifest, err := os.ReadFile(filepath.Join(r.Dir(protocol.PermissionNetwork), "pubspec.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	for _, pkg := range []string{"path", "http"} {
		if !strings.Contains(string(manifest), pkg+":") {
			t.Errorf("network manifest missing %s dependency:\n%s", pkg, manifest)
		}
	}
	if _, err := os.Stat(r.ToolsDir(protocol.PermissionNetwork)); err != nil {
		t.Errorf("tools dir missing: %v", err)
	}
}

func TestEnsure_ComputeTierHasNoDependencies(t *testing.T) {
	r := New(t.TempDir(), fakeDart(t))
	if err := r.Ensure(context.Background(), protocol.PermissionCompute); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	manifest, _ := os.ReadFile(filepath.Join(r.Dir(protocol.PermissionCompute), "pubspec.yaml"))
	if strings.Contains(string(manifest), "dependencies:") {
		t.Errorf("compute manifest should grant no packages:\n%s", manifest)
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	root := t.TempDir()
	r := New(root, fakeDart(t))
	ctx := context.Background()

	if err := r.Ensure(ctx, protocol.PermissionCompute); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	// Second run must not rewrite the manifest or re-resolve.
	manifest := filepath.Join(r.Dir(protocol.PermissionCompute), "pubspec.yaml")
	if err := os.WriteFile(manifest, []byte("# user-edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Ensure(ctx, protocol.PermissionCompute); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	data, _ := os.ReadFile(manifest)
	if string(data) != "# user-edited\n" {
		t.Error("second Ensure rewrote an existing manifest")
	}
}

func TestEnsure_UnknownTier(t *testing.T) {
	r := New(t.TempDir(), fakeDart(t))
	if err := r.Ensure(context.Background(), "root"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestEnsure_ResolverFailureSurfaced(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "dart")
	script := "#!/bin/sh\nif [ \"$1\" = \"pub\" ]; then echo 'version solving failed' >&2; exit 1; fi\nexit 0\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	r := New(t.TempDir(), bin)
	err := r.Ensure(context.Background(), protocol.PermissionCompute)
	if err == nil {
		t.Fatal("expected resolver error")
	}
	if !strings.Contains(err.Error(), "version solving failed") {
		t.Errorf("resolver output not surfaced verbatim: %v", err)
	}
}

func TestAnalyze_PassAndFail(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "dart")
	// Fail only for scripts whose name contains "bad".
	script := `#!/bin/sh
case "$3" in
*bad*) echo "error - Target of URI doesn't exist: 'dart:io'"; exit 3;;
*) echo "No issues found!"; exit 0;;
esac
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	r := New(t.TempDir(), bin)
	ctx := context.Background()

	good := filepath.Join(t.TempDir(), "good.dart")
	os.WriteFile(good, []byte("void main() {}"), 0o644)
	res, err := r.Analyze(ctx, good)
	if err != nil || !res.OK {
		t.Fatalf("good script: ok=%v err=%v", res != nil && res.OK, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.dart")
	os.WriteFile(bad, []byte("import 'dart:io';"), 0o644)
	res, err = r.Analyze(ctx, bad)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.OK {
		t.Fatal("bad script should fail analysis")
	}
	if !strings.Contains(res.Output, "error") {
		t.Errorf("analyzer output missing: %q", res.Output)
	}
}
