// Package fsutil provides filesystem helpers shared across the service:
// root-confined path resolution, atomic file replacement, free-space checks
// and slug derivation. Every path derived from user input must pass through
// ResolveUnder before it touches the disk.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a candidate path escapes its root after
// symlink resolution.
var ErrOutsideRoot = errors.New("path resolves outside root")

// ResolveUnder joins rel onto root and verifies the result stays inside
// root after cleaning and symlink evaluation. It returns the absolute,
// resolved path. Missing files are allowed; the deepest existing ancestor
// is the one checked for symlink escapes.
func ResolveUnder(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		// Root must exist; a missing root is a config error.
		return "", fmt.Errorf("resolving root: %w", err)
	}

	candidate := filepath.Join(rootReal, filepath.Clean("/"+rel))
	resolved, err := evalDeepestExisting(candidate)
	if err != nil {
		return "", err
	}
	if !within(rootReal, resolved) {
		return "", ErrOutsideRoot
	}
	return candidate, nil
}

// Within reports whether path is root itself or a descendant of root.
// Both arguments are compared lexically after Abs+Clean; callers that need
// symlink safety use ResolveUnder instead.
func Within(root, path string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return within(rootAbs, pathAbs)
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// evalDeepestExisting resolves symlinks on the deepest existing ancestor of
// path and re-joins the non-existing suffix.
func evalDeepestExisting(path string) (string, error) {
	existing := path
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", existing, err)
	}
	return filepath.Join(append([]string{resolved}, suffix...)...), nil
}

// ValidFilename reports whether name is safe to use as an upload filename:
// non-empty, no path separators, no leading dot, no "..".
func ValidFilename(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return true
}

// Slugify lowercases s and collapses every non-alphanumeric run into a
// single hyphen. Used for series slugs and output directory stems.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
