// Package auth implements OAuth2+PKCE login and credential persistence for
// the LLM providers that support it (Anthropic Claude Max/Pro, OpenAI).
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/oxibot/pkg/utils"
)

// refreshSkew is how far ahead of actual expiry a credential is considered
// due for refresh, so a provider call started just before expiry doesn't
// race the token's actual cutoff.
const refreshSkew = 5 * time.Minute

// AuthCredential is a persisted provider credential: either a bare API key
// (AuthMethod "apikey", no expiry) or an OAuth token pair.
type AuthCredential struct {
	Provider     string    `json:"provider"`
	AuthMethod   string    `json:"authMethod"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	AccountID    string    `json:"accountId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// NeedsRefresh reports whether an OAuth access token is at or near expiry.
// Credentials without an expiry (API keys) never need refresh.
func (c *AuthCredential) NeedsRefresh() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(refreshSkew).After(c.ExpiresAt)
}

type credentialStore struct {
	Version     int                        `json:"version"`
	Credentials map[string]*AuthCredential `json:"credentials"`
}

func credentialStorePath() string {
	return filepath.Join(utils.DataPath(), "auth", "credentials.json")
}

func loadCredentialStore() (*credentialStore, error) {
	data, err := os.ReadFile(credentialStorePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &credentialStore{Version: 1, Credentials: map[string]*AuthCredential{}}, nil
		}
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	store := &credentialStore{}
	if err := json.Unmarshal(data, store); err != nil {
		return nil, fmt.Errorf("parse credential store: %w", err)
	}
	if store.Credentials == nil {
		store.Credentials = map[string]*AuthCredential{}
	}
	return store, nil
}

func saveCredentialStore(store *credentialStore) error {
	path := credentialStorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential store: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// GetCredential returns the stored credential for a provider, or nil if none
// has been saved (not an error).
func GetCredential(provider string) (*AuthCredential, error) {
	store, err := loadCredentialStore()
	if err != nil {
		return nil, err
	}
	return store.Credentials[provider], nil
}

// SetCredential persists a credential for a provider, overwriting any
// existing entry.
func SetCredential(provider string, cred *AuthCredential) error {
	store, err := loadCredentialStore()
	if err != nil {
		return err
	}
	store.Credentials[provider] = cred
	return saveCredentialStore(store)
}

// DeleteCredential removes a provider's stored credential, if any.
func DeleteCredential(provider string) error {
	store, err := loadCredentialStore()
	if err != nil {
		return err
	}
	if _, ok := store.Credentials[provider]; !ok {
		return nil
	}
	delete(store.Credentials, provider)
	return saveCredentialStore(store)
}
