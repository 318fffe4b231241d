package vms

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// CredentialCache persists the last bearer token across restarts.
// Load returns "" with a nil error when nothing is cached.
type CredentialCache interface {
	Load() (string, error)
	Store(token string) error
}

// FileCredentialCache stores {"token": "..."} in a single file, replacing it
// atomically on every Store.
type FileCredentialCache struct {
	path string
	mu   sync.Mutex
}

func NewFileCredentialCache(path string) *FileCredentialCache {
	return &FileCredentialCache{path: path}
}

type cachedToken struct {
	Token string `json:"token"`
}

func (c *FileCredentialCache) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var ct cachedToken
	if err := json.Unmarshal(data, &ct); err != nil {
		return "", err
	}
	return ct.Token, nil
}

func (c *FileCredentialCache) Store(token string) error {
	data, err := json.MarshalIndent(cachedToken{Token: token}, "", "  ")
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".token.*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
