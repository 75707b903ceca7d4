package account

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Resolver looks up the account a REGISTER is addressed to.
type Resolver interface {
	Lookup(username, domain string) (*Account, bool)
}

// Directory is an in-memory account resolver loaded from provisioning
// data.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]*Account // keyed by user@domain, lower case
}

// NewDirectory creates a directory with the given accounts.
func NewDirectory(accounts []Account) *Directory {
	d := &Directory{accounts: make(map[string]*Account, len(accounts))}
	for i := range accounts {
		acc := accounts[i]
		d.accounts[strings.ToLower(acc.AOR())] = &acc
	}
	return d
}

// LoadFile reads accounts from a JSON file.
func LoadFile(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	return accounts, nil
}

// Lookup returns the account for user@domain.
func (d *Directory) Lookup(username, domain string) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[strings.ToLower(username+"@"+domain)]
	return acc, ok
}

// Upsert adds or replaces an account.
func (d *Directory) Upsert(acc Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[strings.ToLower(acc.AOR())] = &acc
}

// Len returns the number of provisioned accounts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}
