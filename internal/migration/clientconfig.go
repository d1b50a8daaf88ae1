package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/identity"
)

// LegacyClientConfig is the config.json the legacy client writes.
type LegacyClientConfig struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	ServerURL   string `json:"server_url,omitempty"`
	AutoConnect *bool  `json:"auto_connect,omitempty"`
	Theme       string `json:"theme,omitempty"`
}

// ClientConfig is the client configuration for the target backend.
type ClientConfig struct {
	UserID         string `json:"matrix_user_id"`
	DisplayName    string `json:"display_name"`
	HomeserverURL  string `json:"homeserver_url"`
	ServerName     string `json:"server_name"`
	StateStorePath string `json:"state_store_path"`
	AutoLogin      bool   `json:"auto_login"`
	Theme          string `json:"theme"`
	LegacyUserID   string `json:"legacy_user_id,omitempty"`
	MigratedAt     string `json:"migrated_at"`
}

// ConvertClientConfig carries the user's legacy settings over. The user id
// comes from the mapping when the legacy user was migrated, and is derived
// otherwise.
func ConvertClientConfig(old LegacyClientConfig, m *identity.Mapping, homeserverURL, serverName string, now time.Time) ClientConfig {
	userID := identity.DeriveUserID(old.UserID, serverName)
	if m != nil {
		if id, ok := m.UserID(old.UserID); ok {
			userID = id
		}
	}
	cc := ClientConfig{
		UserID:         userID,
		DisplayName:    old.Username,
		HomeserverURL:  homeserverURL,
		ServerName:     serverName,
		StateStorePath: "matrix_state.db",
		AutoLogin:      true,
		Theme:          "default",
		LegacyUserID:   old.UserID,
		MigratedAt:     now.UTC().Format(time.RFC3339),
	}
	if old.AutoConnect != nil {
		cc.AutoLogin = *old.AutoConnect
	}
	if old.Theme != "" {
		cc.Theme = old.Theme
	}
	return cc
}

// ReadLegacyClientConfig returns (nil, nil) when path does not exist.
func ReadLegacyClientConfig(path string) (*LegacyClientConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy client config: %w", err)
	}
	var c LegacyClientConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse legacy client config %s: %w", path, err)
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("legacy client config %s: user_id is empty", path)
	}
	return &c, nil
}

// WriteClientConfig writes c as indented JSON, creating parent directories.
func WriteClientConfig(path string, c ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
