// Package cache keeps node-local classification progress in SQLite:
// for every account folder the last UIDVALIDITY seen and the highest
// UID already evaluated. Losing this file is safe, the next pass just
// re-evaluates messages that were left in place.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailfold/mailfold/logger"
)

// FolderState is the tracked progress for one account folder.
type FolderState struct {
	Account     string
	Folder      string
	UIDValidity uint32
	LastUID     uint32
	UpdatedAt   time.Time
}

// Cache is the SQLite-backed UID-state store. database/sql serializes
// statements; the mutex guards the read-modify-write in Advance.
type Cache struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func New(path string) (*Cache, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("uid-state store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open uid-state DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; continue without it.
		logger.Warn("[CACHE] failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS folder_state (
		account TEXT NOT NULL,
		folder TEXT NOT NULL,
		uid_validity INTEGER NOT NULL,
		last_uid INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (account, folder)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create uid-state schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("uid-state DB ping failed: %w", err)
	}
	return &Cache{path: path, db: db}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		logger.Info("[CACHE] closing uid-state store", "path", c.path)
		return c.db.Close()
	}
	return nil
}

// Get returns the stored state, or nil when the folder was never seen.
func (c *Cache) Get(account, folder string) (*FolderState, error) {
	row := c.db.QueryRow(`
		SELECT account, folder, uid_validity, last_uid, updated_at
		FROM folder_state
		WHERE account = ? AND folder = ?
	`, strings.ToLower(account), folder)

	var state FolderState
	err := row.Scan(&state.Account, &state.Folder, &state.UIDValidity, &state.LastUID, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load folder state: %w", err)
	}
	return &state, nil
}

// LastUID returns the progress floor for a folder under the given
// UIDVALIDITY. A validity change resets the stored progress and returns
// 0 so the caller re-evaluates the whole folder.
func (c *Cache) LastUID(account, folder string, uidValidity uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.Get(account, folder)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, nil
	}
	if state.UIDValidity != uidValidity {
		logger.Info("[CACHE] UIDVALIDITY changed, resetting folder progress",
			"account", account, "folder", folder,
			"old", state.UIDValidity, "new", uidValidity)
		if err := c.putLocked(account, folder, uidValidity, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return state.LastUID, nil
}

// Advance moves the progress floor forward. An update with a new
// UIDVALIDITY replaces the row; updates below the stored UID under the
// same validity are ignored so progress never moves backwards.
func (c *Cache) Advance(account, folder string, uidValidity, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.Get(account, folder)
	if err != nil {
		return err
	}
	if state != nil && state.UIDValidity == uidValidity && state.LastUID >= uid {
		return nil
	}
	return c.putLocked(account, folder, uidValidity, uid)
}

func (c *Cache) putLocked(account, folder string, uidValidity, uid uint32) error {
	_, err := c.db.Exec(`
		INSERT INTO folder_state (account, folder, uid_validity, last_uid, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_uid = excluded.last_uid,
			updated_at = excluded.updated_at
	`, strings.ToLower(account), folder, uidValidity, uid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store folder state: %w", err)
	}
	return nil
}

// Forget drops the progress of one folder, forcing a full re-evaluation
// on the next pass. Used after rule-set changes.
func (c *Cache) Forget(account, folder string) error {
	_, err := c.db.Exec(`
		DELETE FROM folder_state WHERE account = ? AND folder = ?
	`, strings.ToLower(account), folder)
	if err != nil {
		return fmt.Errorf("failed to forget folder state: %w", err)
	}
	return nil
}

// ForgetAccount drops all progress for an account.
func (c *Cache) ForgetAccount(account string) error {
	_, err := c.db.Exec(`
		DELETE FROM folder_state WHERE account = ?
	`, strings.ToLower(account))
	if err != nil {
		return fmt.Errorf("failed to forget account state: %w", err)
	}
	return nil
}

// List returns all tracked folders for an account, for the status API.
func (c *Cache) List(account string) ([]*FolderState, error) {
	rows, err := c.db.Query(`
		SELECT account, folder, uid_validity, last_uid, updated_at
		FROM folder_state
		WHERE account = ?
		ORDER BY folder
	`, strings.ToLower(account))
	if err != nil {
		return nil, fmt.Errorf("failed to list folder state: %w", err)
	}
	defer rows.Close()

	var states []*FolderState
	for rows.Next() {
		var state FolderState
		if err := rows.Scan(&state.Account, &state.Folder, &state.UIDValidity, &state.LastUID, &state.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}
