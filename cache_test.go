package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type recordingAssetStore struct {
	deleted []AssetRef
}

func (r *recordingAssetStore) Store(ctx context.Context, sessionID, audioPath, coverPath, caption string) (AssetRef, AssetRef, error) {
	return AssetRef{}, AssetRef{}, nil
}

func (r *recordingAssetStore) Redeliver(ctx context.Context, sessionID string, entry *CacheEntry, caption string) error {
	return nil
}

func (r *recordingAssetStore) Delete(ctx context.Context, ref AssetRef) error {
	r.deleted = append(r.deleted, ref)
	return nil
}

func newTestCache(t *testing.T) (*DeliveryCache, *recordingAssetStore) {
	t.Helper()
	assets := &recordingAssetStore{}
	c, err := NewDeliveryCache(filepath.Join(t.TempDir(), "delivered.json"), assets)
	if err != nil {
		t.Fatalf("NewDeliveryCache: %v", err)
	}
	return c, assets
}

func TestCacheStoreLookupRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)

	audio := AssetRef{ChannelID: "1", MessageID: "10", URL: "https://cdn/audio.mp3"}
	cover := AssetRef{ChannelID: "1", MessageID: "10", URL: "https://cdn/cover.jpg"}

	if err := c.Store("artist_song", audio, cover); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entry, ok := c.Lookup("artist_song")
	if !ok {
		t.Fatal("expected a hit after Store")
	}
	if entry.Audio != audio || entry.Cover != cover {
		t.Fatalf("roundtrip mismatch: %+v", entry)
	}
	if entry.StoredAt.IsZero() {
		t.Fatal("StoredAt must be set")
	}
}

func TestCacheLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)
	if _, ok := c.Lookup("never_stored"); ok {
		t.Fatal("expected a miss")
	}
}

func TestCacheStoreRequiresAudio(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.Store("key", AssetRef{}, AssetRef{URL: "https://cdn/cover.jpg"}); err == nil {
		t.Fatal("an entry without an audio reference must never be written")
	}
}

func TestCacheCoverOptional(t *testing.T) {
	c, _ := newTestCache(t)
	audio := AssetRef{MessageID: "10", URL: "https://cdn/audio.mp3"}
	if err := c.Store("key", audio, AssetRef{}); err != nil {
		t.Fatalf("audio-only entries are valid: %v", err)
	}
	entry, ok := c.Lookup("key")
	if !ok || !entry.Cover.IsZero() {
		t.Fatalf("expected audio-only entry, got %+v", entry)
	}
}

func TestCacheRepairReplacesAndDeletesOnce(t *testing.T) {
	c, assets := newTestCache(t)

	oldAudio := AssetRef{MessageID: "10", URL: "https://cdn/old.mp3"}
	oldCover := AssetRef{MessageID: "10", URL: "https://cdn/old.jpg"}
	if err := c.Store("key", oldAudio, oldCover); err != nil {
		t.Fatalf("Store: %v", err)
	}
	old, _ := c.Lookup("key")

	newAudio := AssetRef{MessageID: "20", URL: "https://cdn/new.mp3"}
	newCover := AssetRef{MessageID: "20", URL: "https://cdn/new.jpg"}
	if err := c.Repair(context.Background(), "key", newAudio, newCover, old); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	entry, ok := c.Lookup("key")
	if !ok || entry.Audio != newAudio || entry.Cover != newCover {
		t.Fatalf("expected repaired entry, got %+v", entry)
	}

	if len(assets.deleted) != 2 {
		t.Fatalf("expected old audio and cover deleted exactly once each, got %v", assets.deleted)
	}
	if assets.deleted[0] != oldAudio || assets.deleted[1] != oldCover {
		t.Fatalf("wrong refs deleted: %v", assets.deleted)
	}
}

func TestCacheCorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delivered.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewDeliveryCache(path, &recordingAssetStore{})
	if err != nil {
		t.Fatalf("NewDeliveryCache: %v", err)
	}
	if _, ok := c.Lookup("anything"); ok {
		t.Fatal("corrupt file must read as empty, not as a hit")
	}

	audio := AssetRef{MessageID: "1", URL: "https://cdn/a.mp3"}
	if err := c.Store("key", audio, AssetRef{}); err != nil {
		t.Fatalf("Store after corruption: %v", err)
	}
	if _, ok := c.Lookup("key"); !ok {
		t.Fatal("cache must recover after a corrupt file is overwritten")
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delivered.json")
	assets := &recordingAssetStore{}

	c1, err := NewDeliveryCache(path, assets)
	if err != nil {
		t.Fatal(err)
	}
	audio := AssetRef{MessageID: "1", URL: "https://cdn/a.mp3"}
	if err := c1.Store("key", audio, AssetRef{}); err != nil {
		t.Fatal(err)
	}

	c2, err := NewDeliveryCache(path, assets)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := c2.Lookup("key")
	if !ok || entry.Audio != audio {
		t.Fatalf("expected persisted entry after reopen, got %+v", entry)
	}
}
