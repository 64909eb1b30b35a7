package ledger

import (
	"encoding/json"
	"fmt"
	"os"
)

// Store persists the full ledger snapshot (symbol -> CostBasisData).
//
// Implementations do not need to be goroutine-safe: the Ledger serializes all
// access with its own mutex and is the single writer of the backing data.
type Store interface {
	Load() (map[string]*CostBasisData, error)
	Save(data map[string]*CostBasisData) error
	Close() error
}

// Backend names accepted by NewStore.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// NewStore creates a store for the given backend name and path.
func NewStore(backend, path string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(path), nil
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q (want %q or %q)", backend, BackendJSON, BackendSQLite)
	}
}

// JSONStore keeps the ledger in a single JSON file. Writes go to a temp file
// first and replace the target with an atomic rename.
type JSONStore struct {
	filepath string
}

// NewJSONStore creates a JSON-file backed store at the given path.
func NewJSONStore(filepath string) *JSONStore {
	return &JSONStore{filepath: filepath}
}

// Load reads the ledger file. A missing file yields an empty ledger.
func (s *JSONStore) Load() (map[string]*CostBasisData, error) {
	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*CostBasisData{}, nil
		}
		return nil, fmt.Errorf("reading ledger file: %w", err)
	}

	data := map[string]*CostBasisData{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing ledger file: %w", err)
	}
	return data, nil
}

// Save writes the full snapshot with write-then-rename semantics.
func (s *JSONStore) Save(data map[string]*CostBasisData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error { return nil }

// Ensure JSONStore implements Store
var _ Store = (*JSONStore)(nil)
