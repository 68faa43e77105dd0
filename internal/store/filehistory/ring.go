// Package filehistory keeps pre-edit backups of files touched during a
// session, bounded per session.
package filehistory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const maxBackupsPerSession = 100

// Ring stores up to maxBackupsPerSession backups under one session
// directory; the oldest backups are dropped first.
type Ring struct {
	dir string
}

func New(dir string) (*Ring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create file-history dir: %w", err)
	}
	return &Ring{dir: dir}, nil
}

// Backup archives content under a timestamped name derived from path.
func (r *Ring) Backup(path string, content []byte) error {
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), sanitizeName(filepath.Base(path)))
	if err := os.WriteFile(filepath.Join(r.dir, name), content, 0600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return r.trim()
}

// List returns backup filenames, oldest first.
func (r *Ring) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns one backup's content.
func (r *Ring) Read(name string) ([]byte, error) {
	if strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid backup name: %q", name)
	}
	return os.ReadFile(filepath.Join(r.dir, name))
}

func (r *Ring) trim() error {
	names, err := r.List()
	if err != nil {
		return err
	}
	for len(names) > maxBackupsPerSession {
		if err := os.Remove(filepath.Join(r.dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
