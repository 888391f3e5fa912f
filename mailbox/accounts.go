package mailbox

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mailfold/mailfold/config"
)

// Account bundles a configured account with its connected driver and
// resolved folder roles.
type Account struct {
	Email  string // lowercased
	Config config.AccountConfig
	Driver Driver

	mu    sync.Mutex
	trash string
}

func NewAccount(cfg config.AccountConfig, driver Driver) *Account {
	return &Account{
		Email:  strings.ToLower(cfg.Email),
		Config: cfg,
		Driver: driver,
	}
}

// TrashFolder resolves the account's trash folder: the configured name
// wins, otherwise the server is asked once and the answer cached.
func (a *Account) TrashFolder(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trash != "" {
		return a.trash, nil
	}
	if a.Config.Folders.Trash != "" {
		a.trash = a.Config.Folders.Trash
		return a.trash, nil
	}
	name, err := DiscoverTrashFolder(ctx, a.Driver)
	if err != nil {
		return "", err
	}
	a.trash = name
	return a.trash, nil
}

// Registry holds the active accounts keyed by lowercased email.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Account)}
}

func (r *Registry) Add(a *Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.Email] = a
}

func (r *Registry) Get(email string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[strings.ToLower(email)]
	return a, ok
}

// Emails returns the registered account emails, sorted for deterministic
// iteration.
func (r *Registry) Emails() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	emails := make([]string, 0, len(r.accounts))
	for email := range r.accounts {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}

func (r *Registry) All() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	accounts := make([]*Account, 0, len(r.accounts))
	for _, email := range r.sortedEmailsLocked() {
		accounts = append(accounts, r.accounts[email])
	}
	return accounts
}

func (r *Registry) sortedEmailsLocked() []string {
	emails := make([]string, 0, len(r.accounts))
	for email := range r.accounts {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}
