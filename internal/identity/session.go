// Package identity tracks who is signed in on this machine and issues
// gateway tokens. The core packages never read it directly: callers pass
// the current UserID explicitly.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/parley/internal/models"
)

// Session is the signed-in identity persisted between CLI runs.
type Session struct {
	// UserID is the signed-in user.
	UserID models.UserID `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	// DisplayName is shown by whoami.
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	// SignedInAt is when the session was created.
	SignedInAt time.Time `yaml:"signed_in_at,omitempty" json:"signed_in_at,omitempty"`
}

// IsEmpty reports whether nobody is signed in.
func (s *Session) IsEmpty() bool {
	return s.UserID == ""
}

// String returns a human-readable representation of the session.
func (s *Session) String() string {
	if s.IsEmpty() {
		return "(signed out)"
	}
	if s.DisplayName == "" || s.DisplayName == string(s.UserID) {
		return string(s.UserID)
	}
	return fmt.Sprintf("%s (%s)", s.DisplayName, s.UserID)
}

// SessionStore loads and saves the session file.
type SessionStore struct {
	path string
	mu   sync.RWMutex
}

// NewSessionStore creates a session store.
// If path is empty, uses the default path (~/.config/parley/session.yaml).
func NewSessionStore(path string) *SessionStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "parley", "session.yaml")
	}
	return &SessionStore{path: path}
}

// Path returns the session file path.
func (s *SessionStore) Path() string {
	return s.path
}

// Load reads the session from disk.
// Returns an empty session if the file doesn't exist.
func (s *SessionStore) Load() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session := &Session{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return session, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	if err := yaml.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	return session, nil
}

// Save writes the session to disk.
func (s *SessionStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := yaml.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Clear removes the session file.
func (s *SessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
