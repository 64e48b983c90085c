// Package pathpolicy gates filesystem access on the agent. Paths are
// resolved to absolute, symlink-free form and then checked against a
// configured allow-list. An empty allow-list permits everything.
package pathpolicy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrDenied marks a path rejected by the allow-list.
var ErrDenied = errors.New("path not allowed")

// Policy holds the resolved allow-list roots. Immutable after New.
type Policy struct {
	roots []string
}

// New builds a Policy from the configured allow-list. Blank entries are
// ignored; entries are resolved once so symlinked roots compare equal to
// the paths they point at.
func New(allowed []string) *Policy {
	p := &Policy{}
	for _, entry := range allowed {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		resolved, err := ResolvePath(entry)
		if err != nil {
			abs, absErr := filepath.Abs(entry)
			if absErr != nil {
				continue
			}
			resolved = filepath.Clean(abs)
		}
		p.roots = append(p.roots, resolved)
	}
	return p
}

// Validate resolves path and enforces the allow-list, returning the
// resolved form. Rejection wraps ErrDenied.
func (p *Policy) Validate(path string) (string, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return "", err
	}
	if !p.Contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}
	return resolved, nil
}

// Contains reports whether an already-resolved path lies inside one of
// the allowed roots. With no roots configured everything is allowed.
func (p *Policy) Contains(resolved string) bool {
	if len(p.roots) == 0 {
		return true
	}
	for _, root := range p.roots {
		if within(resolved, root) {
			return true
		}
	}
	return false
}

// ResolvePath returns the absolute, symlink-resolved form of path. The
// path itself need not exist: the longest existing ancestor is resolved
// and the missing tail is rejoined, so targets about to be created still
// resolve to their real location.
func ResolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	cur := abs
	tail := ""
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, tail)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Clean(abs), nil
		}
		tail = filepath.Join(filepath.Base(cur), tail)
		cur = parent
	}
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
