package identitytoolkit

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Credentials is what survives a restart: enough to refresh the session.
type Credentials struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email,omitempty"`
	ProviderTag  string    `json:"provider,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	SavedAt      time.Time `json:"saved_at"`
}

// CredentialStore persists Credentials. LoadCredentials returns nil, nil when
// nothing is stored.
type CredentialStore interface {
	SaveCredentials(creds *Credentials) error
	LoadCredentials() (*Credentials, error)
	DeleteCredentials() error
}

// FileCredentialStore keeps credentials in a JSON file readable only by the
// current user.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

var _ CredentialStore = (*FileCredentialStore)(nil)

// NewFileCredentialStore creates the parent directory of path if needed.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create credentials directory").
			WithMetadata(map[string]any{"path": path})
	}
	return &FileCredentialStore{path: path}, nil
}

// Path returns the file location.
func (s *FileCredentialStore) Path() string {
	return s.path
}

// SaveCredentials writes creds atomically.
func (s *FileCredentialStore) SaveCredentials(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to marshal credentials")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write credentials")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write credentials")
	}
	return nil
}

// LoadCredentials reads the stored credentials.
func (s *FileCredentialStore) LoadCredentials() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read credentials file")
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to unmarshal credentials").
			WithMetadata(map[string]any{"path": s.path})
	}
	if creds.RefreshToken == "" {
		return nil, nil
	}
	return &creds, nil
}

// DeleteCredentials removes the file. Missing files are not an error.
func (s *FileCredentialStore) DeleteCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete credentials")
	}
	return nil
}

// MemoryCredentialStore keeps credentials in memory. It is useful for tests
// and for processes that should not persist sessions.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds *Credentials
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)

func (s *MemoryCredentialStore) SaveCredentials(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *creds
	s.creds = &cp
	return nil
}

func (s *MemoryCredentialStore) LoadCredentials() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, nil
	}
	cp := *s.creds
	return &cp, nil
}

func (s *MemoryCredentialStore) DeleteCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
