package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"simple", "a.txt", false},
		{"nested", "sub/dir/a.txt", false},
		{"dot", ".", false},
		{"dot slash", "./a.txt", false},
		{"internal dotdot", "sub/../a.txt", false},
		{"escape", "../a.txt", true},
		{"deep escape", "a/../../b", true},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin(root, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SafeJoin(%q, %q) = %q, want error", root, tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SafeJoin(%q, %q): %v", root, tt.rel, err)
			}
			resolvedRoot, _ := filepath.EvalSymlinks(root)
			r, relErr := filepath.Rel(resolvedRoot, got)
			if relErr != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
				t.Fatalf("SafeJoin(%q, %q) = %q escapes root", root, tt.rel, got)
			}
		})
	}
}

func TestSafeJoinAbsoluteInsideRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "ok.txt")
	got, err := SafeJoin(root, inside)
	if err != nil {
		t.Fatalf("SafeJoin with absolute in-root path: %v", err)
	}
	if filepath.Base(got) != "ok.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestSafeJoinSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "out")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := SafeJoin(root, "out/secret.txt"); !errors.Is(err, ErrPathEscapes) {
		t.Fatalf("symlink escape not rejected, err = %v", err)
	}
}

func TestSafeJoinNonexistentTarget(t *testing.T) {
	root := t.TempDir()
	got, err := SafeJoin(root, "not/yet/created.txt")
	if err != nil {
		t.Fatalf("SafeJoin on nonexistent target: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join("not", "yet", "created.txt")) {
		t.Fatalf("got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Errorf("ExpandHome(~) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
	if got := ExpandHome(""); got != "" {
		t.Errorf("ExpandHome(\"\") = %q", got)
	}
}
