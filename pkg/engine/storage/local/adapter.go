// Package local provides a local file system implementation of the byte store.
// Writes go through a temp file and rename, so readers never observe a
// partially written value.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/storage"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/support/logger"
)

const (
	// ProviderType defines the type identifier for this local store provider.
	ProviderType = "local"
)

// localStore implements storage.ByteStore on the local file system.
type localStore struct {
	cfg  storeConfig.StoreConfig
	name string
}

var _ storage.ByteStore = (*localStore)(nil)

// NewLocalStore creates a new localStore instance. It validates the BaseDir
// configuration and creates the directory if it does not exist.
func NewLocalStore(cfg storeConfig.StoreConfig, name string) (storage.ByteStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local store '%s': base_dir must be specified in configuration", name)
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
				return nil, fmt.Errorf("local store '%s': failed to create base_dir '%s': %w", name, cfg.BaseDir, err)
			}
		} else {
			return nil, fmt.Errorf("local store '%s': failed to stat base_dir '%s': %w", name, cfg.BaseDir, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("local store '%s': base_dir '%s' is not a directory", name, cfg.BaseDir)
	}

	return &localStore{cfg: cfg, name: name}, nil
}

// Close does nothing for the local file system store.
func (s *localStore) Close() error {
	logger.Debugf("Local store '%s' closed.", s.name)
	return nil
}

// Type returns "local".
func (s *localStore) Type() string {
	return ProviderType
}

// Name returns the configured connection name.
func (s *localStore) Name() string {
	return s.name
}

// WriteAtomic writes data to a temp file in the target directory and renames
// it over the destination. Rename is atomic on POSIX file systems.
func (s *localStore) WriteAtomic(ctx context.Context, key string, data []byte) error {
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return fmt.Errorf("failed to resolve path for write: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in '%s': %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file '%s': %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file '%s': %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file '%s': %w", tmpName, err)
	}

	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to '%s': %w", fullPath, err)
	}
	logger.Debugf("Wrote %d bytes to '%s' (local store '%s').", len(data), fullPath, s.name)
	return nil
}

// Read returns the full content stored under key.
func (s *localStore) Read(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path for read: %w", err)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s': %w", fullPath, err)
	}
	return data, nil
}

// List walks the base directory and returns keys with the given prefix in
// lexical order. Temp files from in-progress writes are excluded.
func (s *localStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.cfg.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		key, err := filepath.Rel(s.cfg.BaseDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for '%s': %w", path, err)
		}
		key = strings.ReplaceAll(key, "\\", "/")

		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix '%s': %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the value stored under key. A missing key is not an error.
func (s *localStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.resolvePath(key)
	if err != nil {
		return fmt.Errorf("failed to resolve path for delete: %w", err)
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("Attempted to delete non-existent key '%s' (local store '%s').", key, s.name)
			return nil
		}
		return fmt.Errorf("failed to delete '%s': %w", fullPath, err)
	}
	logger.Debugf("Deleted key '%s' (local store '%s').", key, s.name)
	return nil
}

// resolvePath resolves a key to a path under BaseDir and verifies the result
// does not escape BaseDir.
func (s *localStore) resolvePath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key for local store '%s'", s.name)
	}

	fullPath := filepath.Join(s.cfg.BaseDir, filepath.FromSlash(key))

	absBaseDir, err := filepath.Abs(s.cfg.BaseDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for base_dir '%s': %w", s.cfg.BaseDir, err)
	}
	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for '%s': %w", fullPath, err)
	}

	if !strings.HasPrefix(absFullPath, absBaseDir) {
		return "", fmt.Errorf("resolved path '%s' is outside of base_dir '%s'", fullPath, s.cfg.BaseDir)
	}
	return fullPath, nil
}

// LocalProvider implements storage.StoreProvider for local file system stores.
type LocalProvider struct {
	cfg    *coreConfig.Config
	stores map[string]storage.ByteStore
	mu     sync.RWMutex
}

// NewLocalProvider creates a new LocalProvider instance.
func NewLocalProvider(cfg *coreConfig.Config) storage.StoreProvider {
	return &LocalProvider{
		cfg:    cfg,
		stores: make(map[string]storage.ByteStore),
	}
}

// GetStore retrieves a ByteStore by name, creating it on first use.
func (p *LocalProvider) GetStore(name string) (storage.ByteStore, error) {
	p.mu.RLock()
	store, ok := p.stores[name]
	p.mu.RUnlock()
	if ok {
		return store, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring lock
	store, ok = p.stores[name]
	if ok {
		return store, nil
	}

	storeCfg, err := storeConfig.Decode(p.cfg, name)
	if err != nil {
		return nil, err
	}
	if storeCfg.Type != ProviderType {
		return nil, fmt.Errorf("store config type mismatch for '%s': expected '%s', got '%s'", name, ProviderType, storeCfg.Type)
	}

	newStore, err := NewLocalStore(storeCfg, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create local store for '%s': %w", name, err)
	}

	p.stores[name] = newStore
	logger.Debugf("Created new local store connection '%s'.", name)
	return newStore, nil
}

// CloseAll closes all stores managed by this provider.
func (p *LocalProvider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, store := range p.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close local store '%s': %w", name, err))
		}
		delete(p.stores, name)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing local stores: %v", errs)
	}
	logger.Debugf("All local store connections closed.")
	return nil
}

// Type returns "local".
func (p *LocalProvider) Type() string {
	return ProviderType
}
