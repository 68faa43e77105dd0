package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/store"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	s := store.NewSession()
	s.SetTitleFromPrompt("fix the flaky websocket reconnect test in the gateway")
	s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "hello"})
	s.TotalInputTokens = 42

	if err := fs.Save(s); err != nil {
		t.Fatal(err)
	}
	loaded, err := fs.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Title != s.Title || len(loaded.Messages) != 1 || loaded.TotalInputTokens != 42 {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
}

func TestTitleTruncatedTo40(t *testing.T) {
	s := store.NewSession()
	s.SetTitleFromPrompt("this is a very long prompt that keeps going well past forty characters total")
	if len(s.Title) > 40 {
		t.Errorf("title length = %d: %q", len(s.Title), s.Title)
	}
	// Title is set once.
	first := s.Title
	s.SetTitleFromPrompt("другая")
	if s.Title != first {
		t.Error("title overwritten")
	}
}

func TestSaveIsMode0600(t *testing.T) {
	dir := t.TempDir()
	fs, _ := New(dir)
	s := store.NewSession()
	if err := fs.Save(s); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, s.ID+".json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 0600", perm)
	}
}

func TestListOrdersByUpdatedAtDesc(t *testing.T) {
	fs, _ := New(t.TempDir())

	older := store.NewSession()
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := store.NewSession()
	newer.UpdatedAt = time.Now()

	if err := fs.Save(older); err != nil {
		t.Fatal(err)
	}
	if err := fs.Save(newer); err != nil {
		t.Fatal(err)
	}

	infos, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d sessions", len(infos))
	}
	if infos[0].ID != newer.ID {
		t.Errorf("newest first expected, got %s", infos[0].ID)
	}
}

func TestRejectsUnsafeID(t *testing.T) {
	fs, _ := New(t.TempDir())
	if _, err := fs.Load("../escape"); err == nil {
		t.Fatal("path traversal id accepted")
	}
}
