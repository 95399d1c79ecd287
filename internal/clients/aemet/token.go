package aemet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AEMET API keys expire after roughly six days. We renew one day early
// so a failed renewal still leaves a working key for a full day.
const (
	tokenLifetime     = 6 * 24 * time.Hour
	tokenRenewalAfter = 5 * 24 * time.Hour
)

// tokenState is the on-disk representation of the cached token.
type tokenState struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenStore caches the AEMET API key on disk with 0600 permissions.
// The renewal job is the single writer; request paths only read, and
// they tolerate a stale token because a 401 triggers renewal inline.
type TokenStore struct {
	mu    sync.RWMutex
	path  string
	state tokenState
}

// NewTokenStore loads the cached token from path, falling back to the
// configured seed key when no cache exists yet.
func NewTokenStore(path, seedKey string) (*TokenStore, error) {
	ts := &TokenStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &ts.state); err != nil {
			return nil, fmt.Errorf("corrupt token cache %s: %w", path, err)
		}
	case os.IsNotExist(err):
		ts.state = tokenState{Token: seedKey, IssuedAt: time.Now().UTC()}
	default:
		return nil, fmt.Errorf("reading token cache: %w", err)
	}

	if ts.state.Token == "" {
		ts.state.Token = seedKey
	}
	return ts, nil
}

// Token returns the current API key. Readers may receive a token that
// is about to expire; the client's 401 path handles that.
func (ts *TokenStore) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.state.Token
}

// NeedsRenewal reports whether the token is inside its renewal window.
func (ts *TokenStore) NeedsRenewal() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Since(ts.state.IssuedAt) >= tokenRenewalAfter
}

// Store persists a freshly issued token. The write is atomic (temp
// file + rename) so readers never observe a torn cache file.
func (ts *TokenStore) Store(token string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.state = tokenState{Token: token, IssuedAt: time.Now().UTC()}
	data, err := json.Marshal(ts.state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(ts.path)
	tmp, err := os.CreateTemp(dir, ".aemet_token_*")
	if err != nil {
		return fmt.Errorf("creating token temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), ts.path)
}
