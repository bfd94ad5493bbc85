package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpand_HomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := Expand("~/.openclaw/workspace-user_1")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}

	want := filepath.Join(home, ".openclaw", "workspace-user_1")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestExpand_EnvVar(t *testing.T) {
	t.Setenv("KANRI_PATH_TEST", "/tmp/kanri-path")

	got, err := Expand("$KANRI_PATH_TEST/openclaw.json")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}

	want := filepath.Clean("/tmp/kanri-path/openclaw.json")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestExpand_HomeEnvTilde(t *testing.T) {
	t.Setenv("HOME", "~")

	got, err := Expand("~/.openclaw")
	if err != nil {
		t.Fatalf("expand path with HOME=~: %v", err)
	}
	if got == "" {
		t.Fatal("expanded path is empty")
	}
	if got[0] == '~' {
		t.Fatalf("path not expanded: %q", got)
	}
}

func TestJoin(t *testing.T) {
	base := t.TempDir()

	got, err := Join(base, "agents", "user_abc", "agent")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if want := filepath.Join(base, "agents", "user_abc", "agent"); got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}

	if _, err := Join(base, "..", "etc"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := Join(base, "workspace-../../x"); err != nil {
		t.Fatalf("name containing dots should stay inside base: %v", err)
	}
}
