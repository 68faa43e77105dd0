package filehistory

import (
	"fmt"
	"strings"
	"testing"
)

func TestBackupAndRead(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Backup("/work/main.go", []byte("package main")); err != nil {
		t.Fatal(err)
	}
	names, err := r.List()
	if err != nil || len(names) != 1 {
		t.Fatalf("names=%v err=%v", names, err)
	}
	if !strings.HasSuffix(names[0], "-main.go") {
		t.Errorf("backup name = %q", names[0])
	}
	data, err := r.Read(names[0])
	if err != nil || string(data) != "package main" {
		t.Errorf("read = %q err=%v", data, err)
	}
}

func TestRingDropsOldestBeyondCap(t *testing.T) {
	r, _ := New(t.TempDir())
	for i := 0; i < maxBackupsPerSession+10; i++ {
		if err := r.Backup(fmt.Sprintf("/w/f%03d.txt", i), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	names, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != maxBackupsPerSession {
		t.Errorf("kept %d backups, want %d", len(names), maxBackupsPerSession)
	}
	// The most recent file must survive.
	last := names[len(names)-1]
	if !strings.Contains(last, fmt.Sprintf("f%03d.txt", maxBackupsPerSession+9)) {
		t.Errorf("newest backup missing, last = %q", last)
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	r, _ := New(t.TempDir())
	if _, err := r.Read("../secret"); err == nil {
		t.Fatal("traversal name accepted")
	}
}
