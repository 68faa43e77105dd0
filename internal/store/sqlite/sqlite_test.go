package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/store"
)

func open(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSaveLoadRoundtrip(t *testing.T) {
	st := open(t)

	s := store.NewSession()
	s.Title = "fix the parser"
	s.Messages = []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}
	s.TurnCount = 1
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := st.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != s.Title || len(got.Messages) != 2 || got.TurnCount != 1 {
		t.Errorf("loaded session = %+v", got)
	}
}

func TestSaveIsUpsert(t *testing.T) {
	st := open(t)

	s := store.NewSession()
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "more"})
	s.Touch()
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}

	infos, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Messages != 1 {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestListOrdersByUpdatedAtDesc(t *testing.T) {
	st := open(t)

	old := store.NewSession()
	old.Title = "old"
	old.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	recent := store.NewSession()
	recent.Title = "recent"
	for _, s := range []*store.Session{old, recent} {
		if err := st.Save(s); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Title != "recent" {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestDeleteAndLoadMissing(t *testing.T) {
	st := open(t)

	s := store.NewSession()
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := st.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(s.ID); err == nil {
		t.Error("load after delete succeeded")
	}
}
