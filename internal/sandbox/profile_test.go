package sandbox

import (
	"strings"
	"testing"
)

func TestWriteProfileDeniesThenReallows(t *testing.T) {
	p := WriteProfile("/work/repo", "/home/u/.whale")

	if !strings.Contains(p, "(deny file-write*)") {
		t.Error("missing global write deny")
	}
	for _, dir := range []string{"/work/repo", "/tmp", "/private/tmp", "/dev", "/private/var/folders", "/home/u/.whale"} {
		if !strings.Contains(p, `(subpath "`+dir+`")`) {
			t.Errorf("missing re-allowed subtree %s", dir)
		}
	}
	// Deny must come before the re-allows so the allows win.
	deny := strings.Index(p, "(deny file-write*)")
	allow := strings.Index(p, `(subpath "/work/repo")`)
	if deny > allow {
		t.Error("deny must precede subtree allows")
	}
}

func TestWrapPassthroughOffDarwin(t *testing.T) {
	m := NewManager(t.TempDir(), "")
	m.Disabled = true
	cmd, err := m.Wrap("/bin/sh", "echo hi", "/work")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Path != "/bin/sh" || len(cmd.Args) != 3 || cmd.Args[2] != "echo hi" {
		t.Errorf("unexpected argv: %v", cmd.Args)
	}
	cmd.Cleanup()
}
