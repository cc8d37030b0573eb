// Package securestore persists the device's identity and session config to a
// single key-value file. Grounded on the teacher's pkg/cache Cache interface
// (Get/Set/Delete/Clear) and its patrickmn/go-cache-backed implementation
// (pkg/cache/gocache.go) for the in-process read path; the persisted-file
// half is new, since the teacher never needed durable single-process storage
// (it keeps everything in Postgres/MySQL via gorm).
package securestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Store is a process-wide, file-backed key-value store. Writes are
// write-temp-then-rename so a crash mid-write never corrupts the file, and
// last-writer-wins within the process (spec.md §4.1): cross-process
// concurrent use is explicitly out of scope.
type Store struct {
	path   string
	mu     sync.Mutex
	data   map[string]string
	read   *gocache.Cache
	logger *zap.Logger
}

// Open loads path if it exists, or starts with an empty store otherwise. A
// missing or unreadable file is not an error — it simply yields an absent
// store, per spec.md §4.1 ("failure to read yields absent").
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		data:   make(map[string]string),
		read:   gocache.New(gocache.NoExpiration, 0),
		logger: logger,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		logger.Warn("securestore: failed to read store file, starting empty",
			zap.String("path", path), zap.Error(err))
		return s, nil
	}

	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		logger.Warn("securestore: store file is corrupt, starting empty",
			zap.String("path", path), zap.Error(err))
		return s, nil
	}

	s.data = decoded
	for k, v := range decoded {
		s.read.Set(k, v, gocache.NoExpiration)
	}
	return s, nil
}

// Get returns the value for k, or ("", false) if absent.
func (s *Store) Get(k string) (string, bool) {
	if v, ok := s.read.Get(k); ok {
		return v.(string), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[k]
	return v, ok
}

// Set stores k=v and persists the whole store durably before returning.
func (s *Store) Set(k, v string) error {
	s.mu.Lock()
	s.data[k] = v
	snapshot := s.cloneLocked()
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		return err
	}
	s.read.Set(k, v, gocache.NoExpiration)
	return nil
}

// SetAll atomically stores every key in kv in a single durable write. Used by
// the identity manager so the five-field identity tuple lands on disk as one
// unit (spec.md §3 invariant: all fields written atomically).
func (s *Store) SetAll(kv map[string]string) error {
	s.mu.Lock()
	for k, v := range kv {
		s.data[k] = v
	}
	snapshot := s.cloneLocked()
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		return err
	}
	for k, v := range kv {
		s.read.Set(k, v, gocache.NoExpiration)
	}
	return nil
}

// Remove deletes k and persists the result.
func (s *Store) Remove(k string) error {
	s.mu.Lock()
	delete(s.data, k)
	snapshot := s.cloneLocked()
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		return err
	}
	s.read.Delete(k)
	return nil
}

// ClearAll removes every persisted key (factory reset).
func (s *Store) ClearAll() error {
	s.mu.Lock()
	s.data = make(map[string]string)
	s.mu.Unlock()

	if err := s.persist(map[string]string{}); err != nil {
		return err
	}
	s.read.Flush()
	return nil
}

func (s *Store) cloneLocked() map[string]string {
	clone := make(map[string]string, len(s.data))
	for k, v := range s.data {
		clone[k] = v
	}
	return clone
}

// persist writes snapshot to a temp file in the same directory, then renames
// it over s.path. The rename is atomic on the same filesystem, so readers
// never observe a half-written file.
func (s *Store) persist(snapshot map[string]string) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("securestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("securestore: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".securestore-*.tmp")
	if err != nil {
		return fmt.Errorf("securestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("securestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("securestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("securestore: rename temp file: %w", err)
	}
	return nil
}
