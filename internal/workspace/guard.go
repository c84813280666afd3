// Package workspace contains all filesystem access behind a single path
// guard. Every tool that touches the OS resolves its paths here first.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// escapeMsg is the error text callers surface when a path leaves the root.
const escapeMsg = "path escapes workspace root"

// Resolve joins rel onto root and returns the absolute path if — and only
// if — the normalized result stays inside the normalized root. An empty
// rel is rejected. Symlinks in existing path components are canonicalized
// before the containment check so a link pointing outside the workspace
// cannot smuggle a path through.
func Resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%s: empty path", escapeMsg)
	}

	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		// Root may not exist yet (fresh workspace) — use the cleaned form.
		rootReal = absRoot
	}

	var joined string
	if filepath.IsAbs(rel) {
		joined = filepath.Clean(rel)
	} else {
		joined = filepath.Clean(filepath.Join(rootReal, rel))
	}

	real, err := canonicalize(joined)
	if err != nil {
		slog.Warn("workspace.resolve_failed", "path", rel, "error", err)
		return "", fmt.Errorf("%s: %s", escapeMsg, rel)
	}

	if !isInside(real, rootReal) {
		slog.Warn("workspace.path_escape", "path", rel, "resolved", real, "root", rootReal)
		return "", fmt.Errorf("%s: %s", escapeMsg, rel)
	}
	return real, nil
}

// canonicalize resolves symlinks through the deepest existing ancestor and
// reattaches the non-existent tail, so new files validate against their
// real parent directory.
func canonicalize(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
}

// isInside checks whether child is equal to or contained in parent.
func isInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
