package lode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// BlobStore keeps opaque payloads under future keys.
//
// Workers write scattered values and task results here and the client
// reads them back lazily. Keys are never reused: every scatter and every
// submission gets a fresh key, so a Put never replaces live data.
type BlobStore struct {
	factory lode.StoreFactory
	prefix  string

	once     sync.Once
	store    lode.Store
	storeErr error
}

// NewBlobStore returns a blob store on the factory's store. Payloads land
// under prefix/blobs/; an empty prefix defaults to "afar".
func NewBlobStore(factory lode.StoreFactory, prefix string) *BlobStore {
	if prefix == "" {
		prefix = "afar"
	}
	return &BlobStore{factory: factory, prefix: strings.TrimSuffix(prefix, "/")}
}

// getOrCreateStore lazily initializes the store from the factory.
func (b *BlobStore) getOrCreateStore() (lode.Store, error) {
	b.once.Do(func() {
		b.store, b.storeErr = b.factory()
	})
	return b.store, b.storeErr
}

// Path returns the store path of key.
func (b *BlobStore) Path(key string) string {
	return b.prefix + "/blobs/" + key
}

// Put stores data under key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	store, err := b.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, b.prefix)
	}
	path := b.Path(key)
	return WrapWriteError(store.Put(ctx, path, bytes.NewReader(data)), path)
}

// Get returns the payload stored under key. A missing key yields an
// error matching ErrNotFound.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	store, err := b.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, b.prefix)
	}
	path := b.Path(key)
	ok, err := store.Exists(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	if !ok {
		return nil, NewStorageError(ErrNotFound, "read", path, fmt.Errorf("no blob for key %s", key))
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}

// Delete removes the payload under key. Deleting a missing key is not
// an error.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	store, err := b.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, b.prefix)
	}
	path := b.Path(key)
	ok, err := store.Exists(ctx, path)
	if err != nil {
		return WrapReadError(err, path)
	}
	if !ok {
		return nil
	}
	if err := store.Delete(ctx, path); err != nil {
		return NewStorageError(classifyError(err), "delete", path, err)
	}
	return nil
}

// Keys lists the keys currently stored.
func (b *BlobStore) Keys(ctx context.Context) ([]string, error) {
	store, err := b.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, b.prefix)
	}
	dir := b.prefix + "/blobs/"
	paths, err := store.List(ctx, dir)
	if err != nil {
		return nil, NewStorageError(classifyError(err), "list", dir, err)
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		if i := strings.LastIndex(p, "/blobs/"); i >= 0 {
			keys = append(keys, p[i+len("/blobs/"):])
		}
	}
	return keys, nil
}

func validKey(key string) error {
	if key == "" || strings.Contains(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
