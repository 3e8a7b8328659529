package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dhcgn/mailsink/storage"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// OpenStore returns the store for backend at path.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(path), nil
	case BackendSQLite:
		return OpenSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", backend)
}

// JSONStore keeps the ledger as one JSON document mapping source to
// {timestamp, folders, digest}.
type JSONStore struct {
	path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &CorruptionError{Path: s.path, Err: errors.New("empty document")}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}

	entries := make(map[string]Entry, len(doc))
	for source, raw := range doc {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// left zero so Open drops it
			entry = Entry{}
		}
		entries[source] = entry
	}
	return entries, nil
}

func (s *JSONStore) Save(entries map[string]Entry) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return storage.WriteFileAtomic(s.path, append(data, '\n'))
}

func (s *JSONStore) Close() error {
	return nil
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}
