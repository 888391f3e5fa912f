package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/consts"
)

// List is a named set of sender addresses scoped to one account.
type List struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	EntryCount int       `json:"entry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListEntry is one address in a list.
type ListEntry struct {
	Address string    `json:"address"`
	AddedAt time.Time `json:"added_at"`
}

// CreateList creates an empty list. Returns ErrDBUniqueViolation when a
// list with the same name already exists for the account.
func (db *Database) CreateList(ctx context.Context, account, name, kind string) (*List, error) {
	if kind == "" {
		kind = consts.ListKindCustom
	}
	list := &List{
		ID:        uuid.NewString(),
		Account:   strings.ToLower(account),
		Name:      strings.ToLower(name),
		Kind:      kind,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := db.TimedExec(ctx, "create_list", `
		INSERT INTO lists (id, account, name, kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, list.ID, list.Account, list.Name, list.Kind, list.CreatedAt, list.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to insert list: %w", err)
	}
	return list, nil
}

// AddListEntry adds an address to a list, creating the list when it does
// not exist yet. Duplicate adds are silently absorbed.
func (db *Database) AddListEntry(ctx context.Context, account, listName, address string) error {
	account = strings.ToLower(account)
	listName = strings.ToLower(listName)
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return fmt.Errorf("empty address for list %q", listName)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var listID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM lists WHERE account = $1 AND name = $2
	`, account, listName).Scan(&listID)
	if err != nil {
		// Concurrent creators race on the unique constraint; retrying the
		// select inside the same call is not worth it for this write rate.
		listID = uuid.NewString()
		_, err = tx.Exec(ctx, `
			INSERT INTO lists (id, account, name, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, name) DO NOTHING
		`, listID, account, listName, consts.ListKindCustom)
		if err != nil {
			return fmt.Errorf("failed to create list %q: %w", listName, err)
		}
		if err := tx.QueryRow(ctx, `
			SELECT id FROM lists WHERE account = $1 AND name = $2
		`, account, listName).Scan(&listID); err != nil {
			return fmt.Errorf("failed to resolve list %q: %w", listName, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO list_entries (list_id, address)
		VALUES ($1, $2)
		ON CONFLICT (list_id, address) DO NOTHING
	`, listID, address)
	if err != nil {
		return fmt.Errorf("failed to insert list entry: %w", err)
	}
	return tx.Commit(ctx)
}

// RemoveListEntry removes an address from a list. Removing an address
// that is not on the list is not an error.
func (db *Database) RemoveListEntry(ctx context.Context, account, listName, address string) error {
	account = strings.ToLower(account)
	listName = strings.ToLower(listName)
	address = strings.ToLower(strings.TrimSpace(address))

	var listID string
	err := db.TimedQueryRow(ctx, "get_list_id", `
		SELECT id FROM lists WHERE account = $1 AND name = $2
	`, account, listName).Scan(&listID)
	if err != nil {
		return consts.ErrListNotFound
	}
	return db.TimedExec(ctx, "remove_list_entry", `
		DELETE FROM list_entries WHERE list_id = $1 AND address = $2
	`, listID, address)
}

// GetListEntries returns the addresses of one list, oldest first.
func (db *Database) GetListEntries(ctx context.Context, account, listName string) ([]ListEntry, error) {
	account = strings.ToLower(account)
	listName = strings.ToLower(listName)

	var listID string
	err := db.TimedQueryRow(ctx, "get_list_id", `
		SELECT id FROM lists WHERE account = $1 AND name = $2
	`, account, listName).Scan(&listID)
	if err != nil {
		return nil, consts.ErrListNotFound
	}

	rows, err := db.TimedQuery(ctx, "get_list_entries", `
		SELECT address, added_at FROM list_entries
		WHERE list_id = $1
		ORDER BY added_at, address
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query list entries: %w", err)
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var entry ListEntry
		if err := rows.Scan(&entry.Address, &entry.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListLists returns the lists of one account with entry counts.
func (db *Database) ListLists(ctx context.Context, account string) ([]*List, error) {
	rows, err := db.TimedQuery(ctx, "list_lists", `
		SELECT l.id, l.account, l.name, l.kind, l.created_at, l.updated_at,
		       COUNT(e.address)
		FROM lists l
		LEFT JOIN list_entries e ON e.list_id = l.id
		WHERE l.account = $1
		GROUP BY l.id
		ORDER BY l.name
	`, strings.ToLower(account))
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var lists []*List
	for rows.Next() {
		var list List
		if err := rows.Scan(&list.ID, &list.Account, &list.Name, &list.Kind,
			&list.CreatedAt, &list.UpdatedAt, &list.EntryCount); err != nil {
			return nil, err
		}
		lists = append(lists, &list)
	}
	return lists, rows.Err()
}

// DeleteList removes a custom list and its entries. Built-in lists
// cannot be deleted, only emptied.
func (db *Database) DeleteList(ctx context.Context, account, listName string) error {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM lists
		WHERE account = $1 AND name = $2 AND kind <> $3
	`, strings.ToLower(account), strings.ToLower(listName), consts.ListKindBuiltin)
	if err != nil {
		return fmt.Errorf("failed to delete list: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}

// SeedBuiltinLists creates the built-in lists for an account when they
// are missing. Safe to call on every startup.
func (db *Database) SeedBuiltinLists(ctx context.Context, account string) error {
	account = strings.ToLower(account)
	for _, name := range consts.BuiltinLists {
		err := db.TimedExec(ctx, "seed_builtin_list", `
			INSERT INTO lists (id, account, name, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, name) DO NOTHING
		`, uuid.NewString(), account, name, consts.ListKindBuiltin)
		if err != nil {
			return fmt.Errorf("failed to seed list %q for %s: %w", name, account, err)
		}
	}
	return nil
}

// LoadListAddresses loads every list entry grouped by account and list
// name. Used to warm the in-memory index on startup.
func (db *Database) LoadListAddresses(ctx context.Context) (map[string]map[string][]string, error) {
	rows, err := db.TimedQuery(ctx, "load_list_addresses", `
		SELECT l.account, l.name, COALESCE(e.address, '')
		FROM lists l
		LEFT JOIN list_entries e ON e.list_id = l.id
		ORDER BY l.account, l.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load list addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]string)
	for rows.Next() {
		var account, name, address string
		if err := rows.Scan(&account, &name, &address); err != nil {
			return nil, err
		}
		byName := out[account]
		if byName == nil {
			byName = make(map[string][]string)
			out[account] = byName
		}
		// LEFT JOIN surfaces empty lists with a blank address.
		if _, ok := byName[name]; !ok {
			byName[name] = nil
		}
		if address != "" {
			byName[name] = append(byName[name], address)
		}
	}
	return out, rows.Err()
}

// ListNames returns list names for an account, including empty lists.
func (db *Database) ListNames(ctx context.Context, account string) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "list_names", `
		SELECT name FROM lists WHERE account = $1 ORDER BY name
	`, strings.ToLower(account))
	if err != nil {
		return nil, fmt.Errorf("failed to query list names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
