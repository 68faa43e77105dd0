// Package sqlite is the single-file database session store, selected with
// store.backend = "sqlite".
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whale-sh/whale/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL,
	messages   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// Store keeps sessions as JSON rows in a local sqlite database.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &Store{db: db}, nil
}

func (st *Store) Close() error { return st.db.Close() }

func (st *Store) Load(id string) (*store.Session, error) {
	var data string
	err := st.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var s store.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

func (st *Store) Save(s *store.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = st.db.Exec(`
		INSERT INTO sessions (id, title, data, messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			data = excluded.data,
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		s.ID, s.Title, string(data), len(s.Messages), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (st *Store) Delete(id string) error {
	_, err := st.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (st *Store) List() ([]store.SessionInfo, error) {
	rows, err := st.db.Query(`SELECT id, title, messages, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		var ms int64
		if err := rows.Scan(&info.ID, &info.Title, &info.Messages, &ms); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.UnixMilli(ms).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
