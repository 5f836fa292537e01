package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the client's local SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates roomchat.db in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return openPath(filepath.Join(dataDir, "roomchat.db"))
}

func openPath(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Unsent message text per conversation.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS drafts (
			conversation_id TEXT PRIMARY KEY,
			body            TEXT NOT NULL,
			updated_at      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create drafts table: %w", err)
	}

	// Last known profile of users seen in searches and conversations.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _user_cache (
			user_id   TEXT PRIMARY KEY,
			username  TEXT NOT NULL DEFAULT '',
			avatar    TEXT NOT NULL DEFAULT '',
			last_seen INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create user cache table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SaveDraft stores body as the draft of conversationID. An empty body clears it.
func (d *DB) SaveDraft(conversationID, body string) error {
	if conversationID == "" {
		return fmt.Errorf("save draft: empty conversation id")
	}
	if body == "" {
		return d.ClearDraft(conversationID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO drafts (conversation_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, conversationID, body, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Draft returns the stored draft, or "" when there is none.
func (d *DB) Draft(conversationID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var body string
	err := d.db.QueryRow(`SELECT body FROM drafts WHERE conversation_id = ?`, conversationID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load draft: %w", err)
	}
	return body, nil
}

// ClearDraft removes the draft of conversationID, if any.
func (d *DB) ClearDraft(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// DraftRow is one stored draft.
type DraftRow struct {
	ConversationID string
	Body           string
	UpdatedAt      time.Time
}

// ListDrafts returns all drafts, most recently edited first.
func (d *DB) ListDrafts() ([]DraftRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT conversation_id, body, updated_at FROM drafts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DraftRow
	for rows.Next() {
		var r DraftRow
		var ms int64
		if err := rows.Scan(&r.ConversationID, &r.Body, &ms); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetMeta stores a small key/value setting.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Meta returns a stored setting, or "" when absent.
func (d *DB) Meta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var v sql.NullString
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}
