// Package gcs provides a Google Cloud Storage implementation of the byte
// store. GCS object writes are atomic on commit, so WriteAtomic maps directly
// onto an object writer.
package gcs

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/storage"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/support/logger"
)

const (
	// ProviderType defines the type identifier for this GCS store provider.
	ProviderType = "gcs"
)

// gcsStore implements storage.ByteStore on a Google Cloud Storage bucket.
type gcsStore struct {
	cfg    storeConfig.StoreConfig
	name   string
	client *gcstorage.Client
	bucket *gcstorage.BucketHandle
}

var _ storage.ByteStore = (*gcsStore)(nil)

// NewGCSStore creates a new gcsStore instance. The configured bucket name is
// required; credentials file and endpoint are optional (the endpoint option
// targets emulators).
func NewGCSStore(ctx context.Context, cfg storeConfig.StoreConfig, name string) (storage.ByteStore, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("gcs store '%s': bucket_name must be specified in configuration", name)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs store '%s': failed to create client: %w", name, err)
	}

	return &gcsStore{
		cfg:    cfg,
		name:   name,
		client: client,
		bucket: client.Bucket(cfg.BucketName),
	}, nil
}

// Close closes the underlying GCS client.
func (s *gcsStore) Close() error {
	logger.Debugf("GCS store '%s' closed.", s.name)
	return s.client.Close()
}

// Type returns "gcs".
func (s *gcsStore) Type() string {
	return ProviderType
}

// Name returns the configured connection name.
func (s *gcsStore) Name() string {
	return s.name
}

// WriteAtomic writes data to an object. The object becomes visible only when
// the writer closes successfully, so readers never observe a partial value.
func (s *gcsStore) WriteAtomic(ctx context.Context, key string, data []byte) error {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object '%s' (gcs store '%s'): %w", key, s.name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit object '%s' (gcs store '%s'): %w", key, s.name, err)
	}
	logger.Debugf("Wrote %d bytes to object '%s' (gcs store '%s').", len(data), key, s.name)
	return nil
}

// Read returns the full content of an object.
func (s *gcsStore) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open object '%s' (gcs store '%s'): %w", key, s.name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object '%s' (gcs store '%s'): %w", key, s.name, err)
	}
	return data, nil
}

// List returns the names of all objects with the given prefix in lexical order.
func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.Objects(ctx, &gcstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix '%s' (gcs store '%s'): %w", prefix, s.name, err)
		}
		keys = append(keys, attrs.Name)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes an object. A missing object is not an error.
func (s *gcsStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil {
		if err == gcstorage.ErrObjectNotExist {
			logger.Warnf("Attempted to delete non-existent object '%s' (gcs store '%s').", key, s.name)
			return nil
		}
		return fmt.Errorf("failed to delete object '%s' (gcs store '%s'): %w", key, s.name, err)
	}
	logger.Debugf("Deleted object '%s' (gcs store '%s').", key, s.name)
	return nil
}

// GCSProvider implements storage.StoreProvider for Google Cloud Storage.
type GCSProvider struct {
	cfg    *coreConfig.Config
	stores map[string]storage.ByteStore
	mu     sync.RWMutex
}

// NewGCSProvider creates a new GCSProvider instance.
func NewGCSProvider(cfg *coreConfig.Config) storage.StoreProvider {
	return &GCSProvider{
		cfg:    cfg,
		stores: make(map[string]storage.ByteStore),
	}
}

// GetStore retrieves a ByteStore by name, creating it on first use.
func (p *GCSProvider) GetStore(name string) (storage.ByteStore, error) {
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

	newStore, err := NewGCSStore(context.Background(), storeCfg, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs store for '%s': %w", name, err)
	}

	p.stores[name] = newStore
	logger.Debugf("Created new gcs store connection '%s'.", name)
	return newStore, nil
}

// CloseAll closes all stores managed by this provider.
func (p *GCSProvider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, store := range p.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gcs store '%s': %w", name, err))
		}
		delete(p.stores, name)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing gcs stores: %v", errs)
	}
	logger.Debugf("All gcs store connections closed.")
	return nil
}

// Type returns "gcs".
func (p *GCSProvider) Type() string {
	return ProviderType
}
