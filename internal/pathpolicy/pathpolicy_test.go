package pathpolicy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEmptyAllowListPermitsAll(t *testing.T) {
	p := New(nil)
	for _, path := range []string{"/etc/passwd", "relative/file.txt", "/"} {
		resolved, err := p.Validate(path)
		if err != nil {
			t.Errorf("Validate(%q) = %v, want allowed", path, err)
		}
		if !filepath.IsAbs(resolved) {
			t.Errorf("Validate(%q) = %q, want absolute", path, resolved)
		}
	}

	p = New([]string{"", "   "})
	if _, err := p.Validate("/anything"); err != nil {
		t.Errorf("blank entries should leave the policy unrestricted: %v", err)
	}
}

func TestAllowListBoundary(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	p := New([]string{root})

	inside := filepath.Join(root, "sub", "file.txt")
	resolved, err := p.Validate(inside)
	if err != nil {
		t.Fatalf("Validate inside root: %v", err)
	}
	if !within(resolved, mustResolve(t, root)) {
		t.Errorf("resolved %q escaped root", resolved)
	}

	// A path equal to the root itself is allowed.
	if _, err := p.Validate(root); err != nil {
		t.Errorf("Validate(root) = %v, want allowed", err)
	}

	for _, path := range []string{other, "/etc/passwd", filepath.Join(root, "..", "escape")} {
		if _, err := p.Validate(path); !errors.Is(err, ErrDenied) {
			t.Errorf("Validate(%q) err = %v, want ErrDenied", path, err)
		}
	}
}

func TestMultipleRoots(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	p := New([]string{a, b})

	if _, err := p.Validate(filepath.Join(b, "data.bin")); err != nil {
		t.Errorf("path under second root should be allowed: %v", err)
	}
}

func TestSymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	p := New([]string{root})
	if _, err := p.Validate(filepath.Join(link, "secret.txt")); !errors.Is(err, ErrDenied) {
		t.Errorf("symlink escape err = %v, want ErrDenied", err)
	}
}

func TestSymlinkedRootAccepted(t *testing.T) {
	target := t.TempDir()
	base := t.TempDir()
	link := filepath.Join(base, "workdir")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// Configuring the symlink as the root must admit paths reached
	// through the real directory, since both resolve identically.
	p := New([]string{link})
	if _, err := p.Validate(filepath.Join(target, "f.txt")); err != nil {
		t.Errorf("Validate through real path: %v", err)
	}
}

func TestResolveNonexistentTail(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join(root, "not", "yet", "created.txt")

	resolved, err := ResolvePath(missing)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	want := filepath.Join(mustResolve(t, root), "not", "yet", "created.txt")
	if resolved != want {
		t.Errorf("resolved = %q, want %q", resolved, want)
	}

	// The missing tail still counts toward the policy check, so writes
	// into fresh subdirectories of an allowed root pass.
	p := New([]string{root})
	if _, err := p.Validate(missing); err != nil {
		t.Errorf("Validate(missing tail) = %v, want allowed", err)
	}
}

func mustResolve(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", path, err)
	}
	return resolved
}
