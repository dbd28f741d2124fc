package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	jsoniter "github.com/json-iterator/go"
)

// ===========================
// Delivered-Song Cache
// ===========================

const (
	MsgCacheLoadFail    = "Failed to read cache file %s: %v"
	MsgCacheDecodeFail  = "Cache file %s is corrupt, starting empty: %v"
	MsgCacheWriteFail   = "Failed to write cache file: %v"
	MsgCacheRepaired    = "Repaired cache entry for %q"
	MsgCacheStored      = "Stored cache entry for %q"
	MsgCacheStaleDelete = "Failed to delete stale asset for %q: %v"
)

var errCacheEntryInvalid = errors.New("cache entry needs at least an audio reference")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AssetRef is the opaque handle handed back by the asset store. The cache and
// controller never look inside it beyond emptiness checks.
type AssetRef struct {
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

// IsZero reports whether the reference points at nothing.
func (r AssetRef) IsZero() bool {
	return r.URL == "" && r.MessageID == ""
}

// CacheEntry records what was delivered for one normalized song key.
type CacheEntry struct {
	Audio    AssetRef  `json:"audio"`
	Cover    AssetRef  `json:"cover,omitempty"`
	StoredAt time.Time `json:"timestamp"`
}

// DeliveryCache maps normalized song keys to previously delivered asset
// references, backed by a single JSON mapping file. The file is read whole on
// every lookup and rewritten whole on every store: write volume is low and the
// session-level mutual exclusion keeps same-key races out of a single process.
type DeliveryCache struct {
	mu     sync.Mutex
	path   string
	assets AssetStore
}

// NewDeliveryCache opens (or lazily creates) the cache at path. An empty path
// places the file under the XDG state directory.
func NewDeliveryCache(path string, assets AssetStore) (*DeliveryCache, error) {
	if path == "" {
		var err error
		path, err = xdg.StateFile(filepath.Join(GetProjectName(), "delivered.json"))
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &DeliveryCache{path: path, assets: assets}, nil
}

// Lookup returns the entry for key, if one was ever delivered.
func (c *DeliveryCache) Lookup(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	entry, ok := entries[key]
	if !ok {
		return nil, false
	}
	return &entry, true
}

// Store records the first successful delivery for key. A cover is optional;
// an entry without an audio reference is never written.
func (c *DeliveryCache) Store(key string, audio, cover AssetRef) error {
	if audio.IsZero() {
		return errCacheEntryInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	entries[key] = CacheEntry{Audio: audio, Cover: cover, StoredAt: time.Now().UTC()}
	if err := c.flush(entries); err != nil {
		return err
	}
	LogCache(MsgCacheStored, key)
	return nil
}

// Repair replaces a stale entry after a re-acquisition. The superseded assets
// are deleted from the asset store first so the storage side does not leak
// orphans, then the mapping is overwritten.
func (c *DeliveryCache) Repair(ctx context.Context, key string, audio, cover AssetRef, old *CacheEntry) error {
	if audio.IsZero() {
		return errCacheEntryInvalid
	}

	if old != nil && c.assets != nil {
		if !old.Audio.IsZero() {
			if err := c.assets.Delete(ctx, old.Audio); err != nil {
				LogCache(MsgCacheStaleDelete, key, err)
			}
		}
		if !old.Cover.IsZero() {
			if err := c.assets.Delete(ctx, old.Cover); err != nil {
				LogCache(MsgCacheStaleDelete, key, err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	entries[key] = CacheEntry{Audio: audio, Cover: cover, StoredAt: time.Now().UTC()}
	if err := c.flush(entries); err != nil {
		return err
	}
	LogCache(MsgCacheRepaired, key)
	return nil
}

// load reads the whole mapping file. Missing or corrupt files degrade to an
// empty map, never an error: the cache is an optimization, not a dependency.
func (c *DeliveryCache) load() map[string]CacheEntry {
	entries := make(map[string]CacheEntry)

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			LogCache(MsgCacheLoadFail, c.path, err)
		}
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		LogCache(MsgCacheDecodeFail, c.path, err)
		return make(map[string]CacheEntry)
	}
	return entries
}

func (c *DeliveryCache) flush(entries map[string]CacheEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
