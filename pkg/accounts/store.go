package accounts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store owns the in-memory set of credential records backed by
// one JSON file per account. Reads (selection) take a shared lock;
// bulk reloads build a fresh map and swap it in so in-flight readers
// never observe a partially updated set.
type Store struct {
	// dir is the accounts directory (<data_dir>/accounts).
	dir string

	// accounts maps account id to record. Replaced wholesale on reload.
	accounts map[string]*Account

	// mu protects the accounts map.
	mu sync.RWMutex

	logger *slog.Logger
}

// NewStore creates a credential store rooted at dataDir. The accounts
// directory is created if it does not exist.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "accounts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError("init", dir, err)
	}

	return &Store{
		dir:      dir,
		accounts: make(map[string]*Account),
		logger:   slog.Default().With("component", "accounts.store"),
	}, nil
}

// Dir returns the accounts directory path.
func (s *Store) Dir() string {
	return s.dir
}

// LoadAccounts reads every account file from the accounts directory and
// atomically replaces the in-memory set. It returns the number of enabled
// accounts. An unreadable directory is a StorageError; a malformed
// individual file is skipped with a warning.
func (s *Store) LoadAccounts() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, NewStorageError("load", s.dir, err)
	}

	loaded := make(map[string]*Account, len(entries))
	enabled := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		account, err := readAccountFile(path)
		if err != nil {
			s.logger.Warn("skipping malformed account file",
				"path", path,
				"error", err,
			)
			continue
		}

		loaded[account.ID] = account
		if account.Enabled() {
			enabled++
		}
	}

	s.mu.Lock()
	s.accounts = loaded
	s.mu.Unlock()

	s.logger.Info("accounts loaded",
		"total", len(loaded),
		"enabled", enabled,
	)

	return enabled, nil
}

// ReloadAccount re-reads a single account file and replaces only that
// entry. A missing file is treated as a delete having raced the reload:
// the entry is dropped from memory and no error is returned.
func (s *Store) ReloadAccount(id string) error {
	path := s.accountPath(id)

	account, err := readAccountFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			delete(s.accounts, id)
			s.mu.Unlock()
			return nil
		}
		return NewStorageError("reload", path, err)
	}

	s.mu.Lock()
	s.accounts[id] = account
	s.mu.Unlock()

	return nil
}

// ReloadAll resynchronizes memory with disk after bulk mutations.
// It is LoadAccounts without the enabled count.
func (s *Store) ReloadAll() error {
	_, err := s.LoadAccounts()
	return err
}

// Len returns the count of accounts currently eligible for selection.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.accounts {
		if a.Enabled() {
			n++
		}
	}
	return n
}

// Get returns the account with the given id.
func (s *Store) Get(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	clone := *a
	return &clone, true
}

// Snapshot returns the enabled accounts in stable order: ascending by the
// explicit order field, ties broken by id.
func (s *Store) Snapshot() []*Account {
	s.mu.RLock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.Enabled() {
			clone := *a
			out = append(out, &clone)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns every account, including disabled ones, in stable order.
func (s *Store) All() []*Account {
	s.mu.RLock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		clone := *a
		out = append(out, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetEnabled toggles an account's eligibility. Disabling stamps the reason
// and timestamp; enabling clears both. The account file is rewritten before
// memory is updated so a crash between the two steps leaves disk ahead of
// memory, never behind it. The operation is idempotent.
func (s *Store) SetEnabled(id string, enabled bool, reason string) error {
	path := s.accountPath(id)

	account, err := readAccountFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return NewStorageError("toggle", path, err)
	}

	if enabled {
		account.ProxyDisabled = false
		account.ProxyDisabledReason = ""
		account.ProxyDisabledAt = 0
	} else {
		if reason == "" {
			reason = "disabled by operator"
		}
		account.ProxyDisabled = true
		account.ProxyDisabledReason = reason
		account.ProxyDisabledAt = time.Now().Unix()
	}

	if err := writeAccountFile(path, account); err != nil {
		return NewStorageError("toggle", path, err)
	}

	s.mu.Lock()
	s.accounts[id] = account
	s.mu.Unlock()

	s.logger.Info("account toggled",
		"account_id", id,
		"enabled", enabled,
		"reason", account.ProxyDisabledReason,
	)

	return nil
}

// UpdateQuota stores a fresh quota snapshot for the account, on disk first
// and then in memory.
func (s *Store) UpdateQuota(id string, quota *QuotaData) error {
	path := s.accountPath(id)

	account, err := readAccountFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return NewStorageError("update_quota", path, err)
	}

	account.Quota = quota
	if err := writeAccountFile(path, account); err != nil {
		return NewStorageError("update_quota", path, err)
	}

	s.mu.Lock()
	s.accounts[id] = account
	s.mu.Unlock()

	return nil
}

// UpdateToken persists a refreshed token set for the account.
func (s *Store) UpdateToken(id string, token TokenData) error {
	path := s.accountPath(id)

	account, err := readAccountFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return NewStorageError("update_token", path, err)
	}

	account.Token = token
	if err := writeAccountFile(path, account); err != nil {
		return NewStorageError("update_token", path, err)
	}

	s.mu.Lock()
	s.accounts[id] = account
	s.mu.Unlock()

	return nil
}

// Reorder assigns sequence positions following the given id order and
// persists each affected account file. Ids not present in the store are
// ignored; accounts absent from ids keep their position after the listed
// ones.
func (s *Store) Reorder(ids []string) error {
	for i, id := range ids {
		path := s.accountPath(id)

		account, err := readAccountFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return NewStorageError("reorder", path, err)
		}

		if account.Order == i {
			continue
		}
		account.Order = i
		if err := writeAccountFile(path, account); err != nil {
			return NewStorageError("reorder", path, err)
		}

		s.mu.Lock()
		s.accounts[id] = account
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) accountPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func readAccountFile(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("parse account file %q: %w", path, err)
	}
	if account.ID == "" {
		// Fall back to the file name stem for legacy files.
		base := filepath.Base(path)
		account.ID = strings.TrimSuffix(base, ".json")
	}
	return &account, nil
}

func writeAccountFile(path string, account *Account) error {
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account %q: %w", account.ID, err)
	}
	return os.WriteFile(path, data, 0o600)
}
