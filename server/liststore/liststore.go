// Package liststore maintains per-account sender lists with an in-memory
// read-through index over PostgreSQL.
//
// Classification evaluates sender_in_list conditions on every message, so
// membership checks must be lock-cheap and infallible. The store keeps the
// full address index in memory; writes go to the database first and the
// index second, so a crashed write is at worst absent from memory until
// the next warm.
package liststore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
)

// Store is safe for concurrent use. Readers never observe a half-written
// list.
type Store struct {
	db *db.Database

	mu    sync.RWMutex
	index map[string]map[string]map[string]struct{} // account -> list -> address set
}

func New(database *db.Database) *Store {
	return &Store{
		db:    database,
		index: make(map[string]map[string]map[string]struct{}),
	}
}

// Warm replaces the in-memory index with the database contents. Called at
// startup and safe to call again at runtime; lookups during the swap see
// either the old or the new index, never a mix.
func (s *Store) Warm(ctx context.Context) error {
	loaded, err := s.db.LoadListAddresses(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]map[string]map[string]struct{}, len(loaded))
	entries := 0
	for account, byName := range loaded {
		lists := make(map[string]map[string]struct{}, len(byName))
		for name, addresses := range byName {
			set := make(map[string]struct{}, len(addresses))
			for _, address := range addresses {
				set[strings.ToLower(address)] = struct{}{}
				entries++
			}
			lists[strings.ToLower(name)] = set
		}
		index[strings.ToLower(account)] = lists
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	logger.Info("Lists: index warmed", "accounts", len(index), "entries", entries)
	return nil
}

// SeedBuiltins ensures the built-in lists (allow, deny, vendor, recruiter)
// exist for an account, in the database and the index.
func (s *Store) SeedBuiltins(ctx context.Context, account string) error {
	if err := s.db.SeedBuiltinLists(ctx, account); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lists := s.listsLocked(strings.ToLower(account))
	for _, name := range consts.BuiltinLists {
		if _, ok := lists[name]; !ok {
			lists[name] = make(map[string]struct{})
		}
	}
	return nil
}

// Add records an address on a list, creating the list when absent.
// Idempotent: adding an existing member is not an error. Write-through;
// the index is only updated after the database accepts the entry.
func (s *Store) Add(ctx context.Context, account, listName, address string) error {
	account = strings.ToLower(account)
	listName = strings.ToLower(listName)
	address = strings.ToLower(address)
	if account == "" || listName == "" || address == "" {
		return consts.ErrListEntryInvalid
	}

	if err := s.db.AddListEntry(ctx, account, listName, address); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lists := s.listsLocked(account)
	set, ok := lists[listName]
	if !ok {
		set = make(map[string]struct{})
		lists[listName] = set
	}
	set[address] = struct{}{}
	return nil
}

// Remove drops an address from a list. The entry disappears from the
// index even if the database row was already gone.
func (s *Store) Remove(ctx context.Context, account, listName, address string) error {
	account = strings.ToLower(account)
	listName = strings.ToLower(listName)
	address = strings.ToLower(address)

	if err := s.db.RemoveListEntry(ctx, account, listName, address); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.index[account][listName]; ok {
		delete(set, address)
	}
	return nil
}

// Contains reports membership. Unknown accounts and list names return
// false; sender_in_list conditions degrade gracefully when a referenced
// list was deleted.
func (s *Store) Contains(account, listName, address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.index[strings.ToLower(account)][strings.ToLower(listName)]
	if !ok {
		return false
	}
	_, member := set[strings.ToLower(address)]
	return member
}

// ListNames returns the account's list names, built-ins and custom, sorted.
func (s *Store) ListNames(account string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lists := s.index[strings.ToLower(account)]
	names := make([]string, 0, len(lists))
	for name := range lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the addresses on one list, sorted. Nil for unknown lists.
func (s *Store) Entries(account, listName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.index[strings.ToLower(account)][strings.ToLower(listName)]
	if !ok {
		return nil
	}
	addresses := make([]string, 0, len(set))
	for address := range set {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Drop removes one list from the index after its rows were deleted.
// Database rows are the caller's concern.
func (s *Store) Drop(account, listName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index[strings.ToLower(account)], strings.ToLower(listName))
}

// Forget drops an account's lists from the index, for example after its
// lists were deleted through the admin surface. Database rows are the
// caller's concern.
func (s *Store) Forget(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, strings.ToLower(account))
}

func (s *Store) listsLocked(account string) map[string]map[string]struct{} {
	lists, ok := s.index[account]
	if !ok {
		lists = make(map[string]map[string]struct{})
		s.index[account] = lists
	}
	return lists
}
