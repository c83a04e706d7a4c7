package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// FileStore keeps accounts in a JSON file, loaded once at startup and
// rewritten on every registration. Good enough for a single-process
// lobby; the Postgres store exists for anything beyond that.
type FileStore struct {
	path     string
	mu       sync.RWMutex
	accounts map[string]string // normalized username -> password hash
}

type accountsFile struct {
	Accounts []accountRecord `json:"accounts"`
}

type accountRecord struct {
	Username string `json:"username"`
	Hash     string `json:"hash"`
}

// NewFileStore loads (or lazily creates) the accounts file at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:     path,
		accounts: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("No accounts file at %s; it will be created on first registration", path)
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	for _, rec := range file.Accounts {
		if rec.Username == "" || rec.Hash == "" {
			continue
		}
		fs.accounts[Normalize(rec.Username)] = rec.Hash
	}

	log.Printf("Loaded %d accounts from %s", len(fs.accounts), path)
	return fs, nil
}

func (fs *FileStore) Register(username, passwordHash string) error {
	if err := validate(username, passwordHash); err != nil {
		return err
	}

	key := Normalize(username)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.accounts[key]; exists {
		return ErrUsernameTaken
	}
	fs.accounts[key] = passwordHash

	if err := fs.saveLocked(); err != nil {
		// Roll back so a retry after a transient I/O failure can succeed
		delete(fs.accounts, key)
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}

func (fs *FileStore) ValidateLogin(username, passwordHash string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	stored, exists := fs.accounts[Normalize(username)]
	if !exists {
		return false
	}
	return hashesEqual(stored, passwordHash)
}

// Count returns the number of registered accounts.
func (fs *FileStore) Count() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.accounts)
}

func (fs *FileStore) saveLocked() error {
	file := accountsFile{Accounts: make([]accountRecord, 0, len(fs.accounts))}
	for username, hash := range fs.accounts {
		file.Accounts = append(file.Accounts, accountRecord{Username: username, Hash: hash})
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-write never corrupts the store
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
