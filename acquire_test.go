package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ===========================
// Fakes
// ===========================

type fakeFetcher struct {
	mu sync.Mutex

	md    *Metadata
	mdErr error

	coverErr   error
	coverCalls int

	audioErrs      []error
	audioCalls     int
	beforeProgress func()
	block          chan struct{}

	workDir string
}

func (f *fakeFetcher) ResolveMetadata(ctx context.Context, locator string) (*Metadata, error) {
	if f.mdErr != nil {
		return nil, f.mdErr
	}
	return f.md, nil
}

func (f *fakeFetcher) FetchCover(ctx context.Context, locator, stem string) (string, error) {
	f.mu.Lock()
	f.coverCalls++
	f.mu.Unlock()

	if f.coverErr != nil {
		return "", f.coverErr
	}
	path := filepath.Join(f.workDir, stem+".jpg")
	if err := os.WriteFile(path, []byte("jpg"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeFetcher) FetchAudio(ctx context.Context, locator, stem string, onProgress func(ProgressEvent) bool) (string, error) {
	f.mu.Lock()
	f.audioCalls++
	call := f.audioCalls
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}

	// Leave partial artifacts behind like a real transfer would
	path := filepath.Join(f.workDir, stem+".mp3")
	_ = os.WriteFile(path, []byte("audio"), 0o644)
	_ = os.WriteFile(filepath.Join(f.workDir, stem+".mp3.part"), []byte("partial"), 0o644)

	if f.beforeProgress != nil {
		f.beforeProgress()
	}
	if onProgress != nil && !onProgress(ProgressEvent{Downloaded: 10, Total: 100}) {
		return "", ErrCancelled
	}

	if call-1 < len(f.audioErrs) && f.audioErrs[call-1] != nil {
		return "", f.audioErrs[call-1]
	}
	return path, nil
}

type countingRotator struct {
	mu    sync.Mutex
	count int
}

func (r *countingRotator) Rotate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *countingRotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type fakeAssets struct {
	mu           sync.Mutex
	stored       int
	redeliverErr error
	redelivered  int
	deleted      []AssetRef
}

func (a *fakeAssets) Store(ctx context.Context, sessionID, audioPath, coverPath, caption string) (AssetRef, AssetRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored++
	audio := AssetRef{ChannelID: sessionID, MessageID: fmt.Sprintf("m%d", a.stored), URL: "https://cdn/" + filepath.Base(audioPath)}
	cover := AssetRef{}
	if coverPath != "" {
		cover = AssetRef{ChannelID: sessionID, MessageID: audio.MessageID, URL: "https://cdn/" + filepath.Base(coverPath)}
	}
	return audio, cover, nil
}

func (a *fakeAssets) Redeliver(ctx context.Context, sessionID string, entry *CacheEntry, caption string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redeliverErr != nil {
		return a.redeliverErr
	}
	a.redelivered++
	return nil
}

func (a *fakeAssets) Delete(ctx context.Context, ref AssetRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *fakeNotifier) Notify(sessionID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.statuses...)
}

type acquireHarness struct {
	acq         *Acquirer
	fetcher     *fakeFetcher
	rotator     *countingRotator
	assets      *fakeAssets
	notifier    *fakeNotifier
	cache       *DeliveryCache
	workDir     string
	searchCalls atomic.Int32
}

func newAcquireHarness(t *testing.T) *acquireHarness {
	t.Helper()

	workDir := t.TempDir()
	fetcher := &fakeFetcher{
		md:      &Metadata{Title: "Song", Artist: "Artist", Duration: 200 * time.Second},
		workDir: workDir,
	}
	rotator := &countingRotator{}
	assets := &fakeAssets{}
	notifier := &fakeNotifier{}

	cache, err := NewDeliveryCache(filepath.Join(t.TempDir(), "delivered.json"), assets)
	if err != nil {
		t.Fatal(err)
	}

	h := &acquireHarness{
		fetcher:  fetcher,
		rotator:  rotator,
		assets:   assets,
		notifier: notifier,
		cache:    cache,
		workDir:  workDir,
	}
	search := func(ctx context.Context, query string, limit int) ([]Candidate, error) {
		h.searchCalls.Add(1)
		return []Candidate{
			{Title: "Song", Uploader: "Artist - Topic", Views: 1_000_000, Duration: 200 * time.Second, URL: "https://example/v"},
		}, nil
	}
	h.acq = NewAcquirer(fetcher, search, rotator, cache, assets, notifier, workDir, 900*time.Second, DefaultRankFloor)
	return h
}

// ===========================
// Tests
// ===========================

func TestAcquireSuccessCachesDelivery(t *testing.T) {
	h := newAcquireHarness(t)

	delivery, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if delivery.FromCache {
		t.Fatal("first delivery cannot come from the cache")
	}

	key := SongKey("Artist", "Song")
	entry, ok := h.cache.Lookup(key)
	if !ok {
		t.Fatal("expected a cache entry after first delivery")
	}
	if entry.Audio != delivery.Audio || entry.Cover != delivery.Cover {
		t.Fatalf("cache entry %+v does not match delivery %+v", entry, delivery)
	}

	// Each phase surfaces through the notifier as the job advances
	statuses := h.notifier.all()
	if len(statuses) == 0 {
		t.Fatal("expected phase notifications")
	}
	if !strings.Contains(statuses[0], StateResolvingMetadata.String()) {
		t.Fatalf("first status must surface metadata resolution, got %q", statuses[0])
	}
	if last := statuses[len(statuses)-1]; !strings.Contains(last, StateDelivering.String()) {
		t.Fatalf("last status must surface delivery, got %q", last)
	}
}

func TestAcquireBusySessionRejected(t *testing.T) {
	h := newAcquireHarness(t)
	h.fetcher.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if job, ok := h.acq.Active("100"); ok && job.State() == StateFetchingAudio {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first job never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v2"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(h.fetcher.block)
	if err := <-done; err != nil {
		t.Fatalf("first job failed: %v", err)
	}

	// Lock released, a new request is accepted again
	if _, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"}); err != nil {
		t.Fatalf("expected the session to accept work after completion: %v", err)
	}
}

func TestAcquireCancelMidFetchCleansUp(t *testing.T) {
	h := newAcquireHarness(t)
	h.fetcher.beforeProgress = func() {
		if !h.acq.Cancel("100") {
			t.Error("expected a live job to cancel")
		}
	}

	_, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(h.workDir, "*"))
	if len(leftovers) != 0 {
		t.Fatalf("expected no residual work files, found %v", leftovers)
	}

	if _, ok := h.acq.Active("100"); ok {
		t.Fatal("session lock must be released after cancellation")
	}
}

func TestAcquireTooLongFailsFastNoRetries(t *testing.T) {
	h := newAcquireHarness(t)
	h.fetcher.md.Duration = 2000 * time.Second

	_, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	if h.fetcher.coverCalls != 0 || h.fetcher.audioCalls != 0 {
		t.Fatalf("duration ceiling must reject before any fetch, cover=%d audio=%d",
			h.fetcher.coverCalls, h.fetcher.audioCalls)
	}
	if h.rotator.Count() != 0 {
		t.Fatalf("no rotations expected, got %d", h.rotator.Count())
	}
}

func TestAcquireThreeTransientFailuresTwoRotations(t *testing.T) {
	h := newAcquireHarness(t)
	transient := fmt.Errorf("%w: upstream said 429", errTransientNetwork)
	h.fetcher.audioErrs = []error{transient, transient, transient}
	h.fetcher.coverErr = errors.New("no thumbnail") // non-transient, skipped without rotation

	_, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if !errors.Is(err, ErrNetworkBlocked) {
		t.Fatalf("expected ErrNetworkBlocked, got %v", err)
	}
	if h.fetcher.audioCalls != 3 {
		t.Fatalf("expected exactly 3 audio attempts, got %d", h.fetcher.audioCalls)
	}
	if h.rotator.Count() != 2 {
		t.Fatalf("three transient failures must cost exactly two rotations, got %d", h.rotator.Count())
	}
}

func TestAcquireNotFoundNoRetries(t *testing.T) {
	h := newAcquireHarness(t)
	h.fetcher.coverErr = errors.New("no thumbnail")
	h.fetcher.audioErrs = []error{fmt.Errorf("%w: gone", ErrNotFound)}

	_, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.fetcher.audioCalls != 1 {
		t.Fatalf("non-transient failures must not retry, got %d attempts", h.fetcher.audioCalls)
	}
	if h.rotator.Count() != 0 {
		t.Fatalf("non-transient failures must not rotate, got %d", h.rotator.Count())
	}
}

func TestAcquireCacheHitRedelivers(t *testing.T) {
	h := newAcquireHarness(t)

	key := SongKey("Artist", "Song")
	cached := AssetRef{ChannelID: "100", MessageID: "m1", URL: "https://cdn/old.mp3"}
	if err := h.cache.Store(key, cached, AssetRef{}); err != nil {
		t.Fatal(err)
	}

	delivery, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !delivery.FromCache {
		t.Fatal("expected a cache-hit delivery")
	}
	if h.fetcher.audioCalls != 0 || h.fetcher.coverCalls != 0 {
		t.Fatal("cache hits must not fetch anything")
	}
	if h.assets.redelivered != 1 {
		t.Fatalf("expected one redelivery, got %d", h.assets.redelivered)
	}
}

func TestAcquireKnownIdentityServedWithoutSearch(t *testing.T) {
	h := newAcquireHarness(t)

	key := SongKey("Artist", "Song")
	cached := AssetRef{ChannelID: "100", MessageID: "m1", URL: "https://cdn/old.mp3"}
	if err := h.cache.Store(key, cached, AssetRef{}); err != nil {
		t.Fatal(err)
	}

	// A request carrying title and artist up front resolves its key before
	// any search round-trip.
	delivery, err := h.acq.Acquire(context.Background(), Request{
		SessionID: "100", Query: "Artist Song", Title: "Song", Artist: "Artist",
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !delivery.FromCache {
		t.Fatal("expected a cache-hit delivery")
	}
	if h.searchCalls.Load() != 0 {
		t.Fatalf("known identity must skip search, got %d calls", h.searchCalls.Load())
	}
	if h.fetcher.audioCalls != 0 || h.fetcher.coverCalls != 0 {
		t.Fatal("cache hits must not fetch anything")
	}
}

func TestAcquireQueryResolvedViaSearch(t *testing.T) {
	h := newAcquireHarness(t)

	delivery, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Query: "Artist Song"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if delivery.FromCache {
		t.Fatal("first delivery cannot come from the cache")
	}
	if h.searchCalls.Load() != 1 {
		t.Fatalf("expected exactly one search, got %d", h.searchCalls.Load())
	}
}

func TestAcquireStaleCacheRepaired(t *testing.T) {
	h := newAcquireHarness(t)
	h.assets.redeliverErr = errors.New("attachment gone")

	key := SongKey("Artist", "Song")
	oldAudio := AssetRef{ChannelID: "100", MessageID: "m1", URL: "https://cdn/old.mp3"}
	if err := h.cache.Store(key, oldAudio, AssetRef{}); err != nil {
		t.Fatal(err)
	}

	delivery, err := h.acq.Acquire(context.Background(), Request{SessionID: "100", Locator: "https://example/v"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if delivery.FromCache {
		t.Fatal("a failed redelivery must re-acquire, not report a cache hit")
	}

	entry, ok := h.cache.Lookup(key)
	if !ok || entry.Audio == oldAudio {
		t.Fatalf("expected a repaired entry, got %+v", entry)
	}

	found := false
	for _, ref := range h.assets.deleted {
		if ref == oldAudio {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale audio ref must be deleted, deletions: %v", h.assets.deleted)
	}
}

func TestRenderProgress(t *testing.T) {
	// Normal transfer: percentage and a believable ETA
	s := renderProgress("Song", ProgressEvent{Downloaded: 50, Total: 100}, 10*time.Second)
	if !strings.Contains(s, "50%") || !strings.Contains(s, "ETA") {
		t.Fatalf("expected percent and ETA, got %q", s)
	}

	// ETA beyond the trust ceiling falls back to elapsed
	s = renderProgress("Song", ProgressEvent{Downloaded: 1, Total: 10_000_000}, 10*time.Second)
	if strings.Contains(s, "ETA") || !strings.Contains(s, "elapsed") {
		t.Fatalf("unreliable ETA must render as elapsed, got %q", s)
	}

	// Unknown total: zero percent, elapsed only
	s = renderProgress("Song", ProgressEvent{Downloaded: 1000, Total: 0}, 10*time.Second)
	if !strings.Contains(s, "0%") || !strings.Contains(s, "elapsed") {
		t.Fatalf("unknown total must render 0%% and elapsed, got %q", s)
	}
}
