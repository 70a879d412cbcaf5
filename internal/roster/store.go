package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storeVersion = 1

// ErrCorruptStore reports a roster file that cannot be decoded.
var ErrCorruptStore = errors.New("corrupted roster file")

type rosterFile struct {
	Version  int       `json:"version"`
	Contacts []Contact `json:"contacts"`
}

// FileStore persists the contact directory to a single JSON file so a relay
// restart keeps its handles.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore constructs a store backed by the provided file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the contact list. A missing file is a fresh deployment, not an
// error.
func (s *FileStore) Load() ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var file rosterFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode roster: %w", ErrCorruptStore)
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported roster version %d", file.Version)
	}
	return file.Contacts, nil
}

// Save writes the full contact list, replacing the previous file.
func (s *FileStore) Save(contacts []Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create roster directory: %w", err)
	}

	serialized, err := json.MarshalIndent(rosterFile{
		Version:  storeVersion,
		Contacts: contacts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	if err := os.WriteFile(s.path, serialized, 0o644); err != nil {
		return fmt.Errorf("persist roster: %w", err)
	}
	return nil
}
