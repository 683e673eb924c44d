// Package secpath resolves user-configured relative paths (custom
// transformer executables, sandboxed tool file access) against a trusted
// root, rejecting anything that escapes it via ".." segments or symlinks.
package secpath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when rel resolves outside root.
var ErrEscapesRoot = errors.New("secpath: path escapes root")

// Resolve joins root and rel, cleans the result, and verifies it still
// lives under root after resolving symlinks. root itself need not exist
// as a symlink target; rel must not contain a literal ".." segment even
// before cleaning, since a clever encoding could otherwise slip through
// filepath.Clean in some edge cases.
func Resolve(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("secpath: empty root")
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", ErrEscapesRoot
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("secpath: resolve root: %w", err)
	}

	joined := filepath.Join(absRoot, rel)
	cleaned := filepath.Clean(joined)
	if !withinRoot(absRoot, cleaned) {
		return "", ErrEscapesRoot
	}

	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		// Root may not exist yet (e.g. plugin dir not created); that's
		// the caller's problem, not a security concern here.
		return cleaned, nil
	}

	resolvedTarget, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		// Target doesn't exist yet either; fall back to the lexical check.
		return cleaned, nil
	}

	if !withinRoot(resolvedRoot, resolvedTarget) {
		return "", ErrEscapesRoot
	}

	return resolvedTarget, nil
}

func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
