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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosimple/slug"
	"github.com/thanhpk/randstr"
)

// ===========================
// Acquisition Controller
// ===========================

const (
	MsgAcquireAccepted     = "Accepted job for session %s: %q"
	MsgAcquireCacheHit     = "Cache hit for %q, redelivering"
	MsgAcquireCacheStale   = "Cached assets for %q no longer resolve, re-acquiring: %v"
	MsgAcquireRetry        = "Attempt %d/%d failed (%v), rotating identity and retrying"
	MsgAcquireCoverSkipped = "Proceeding without cover art: %v"
	MsgAcquireTagFail      = "Tagging failed, delivering untagged audio: %v"
	MsgAcquireCacheFail    = "Failed to persist cache entry for %q: %v"
	MsgAcquireDone         = "Delivered %q to session %s in %s"
	MsgAcquireCleanupFail  = "Failed to remove work file %s: %v"

	maxFetchAttempts  = 3
	progressInterval  = 3 * time.Second
	etaUnreliableOver = 1200 * time.Second
	searchLimit       = 8
)

// Failure taxonomy surfaced to callers. Anything not matched below is an
// Unknown failure and keeps its original error text.
var (
	ErrBusy           = errors.New("an acquisition is already running for this session")
	ErrCancelled      = errors.New("acquisition cancelled")
	ErrTooLong        = errors.New("media exceeds the duration ceiling")
	ErrNetworkBlocked = errors.New("network blocked after rotation retries")
	ErrNotFound       = errors.New("source not found")

	errTransientNetwork = errors.New("transient network failure")
)

// JobState tracks where a job is in its lifecycle.
type JobState int32

const (
	StatePending JobState = iota
	StateResolvingMetadata
	StateFetchingCover
	StateFetchingAudio
	StateTagging
	StateDelivering
	StateCompleted
	StateCancelled
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolvingMetadata:
		return "resolving metadata"
	case StateFetchingCover:
		return "fetching cover"
	case StateFetchingAudio:
		return "fetching audio"
	case StateTagging:
		return "tagging"
	case StateDelivering:
		return "delivering"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Job is the per-request mutable state. Cancellation is cooperative: the
// running flag is checked before every network call and inside the progress
// callback, and a false read unwinds to cleanup at the next checkpoint.
type Job struct {
	SessionID string

	running   atomic.Bool
	state     atomic.Int32
	bytes     atomic.Int64
	startedAt time.Time

	stem       string
	lastNotify time.Time
}

func (j *Job) Running() bool      { return j.running.Load() }
func (j *Job) State() JobState    { return JobState(j.state.Load()) }
func (j *Job) setState(s JobState) { j.state.Store(int32(s)) }

func (j *Job) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil || !j.running.Load() {
		return ErrCancelled
	}
	return nil
}

// AssetStore is the delivery/storage capability. References are opaque to the
// controller and the cache beyond emptiness checks.
type AssetStore interface {
	// Store uploads the local files and returns durable references. An empty
	// coverPath yields a zero cover reference.
	Store(ctx context.Context, sessionID, audioPath, coverPath, caption string) (audio AssetRef, cover AssetRef, err error)
	// Redeliver re-serves previously stored assets without re-fetching.
	// An error means the references no longer resolve.
	Redeliver(ctx context.Context, sessionID string, entry *CacheEntry, caption string) error
	Delete(ctx context.Context, ref AssetRef) error
}

// Notifier surfaces throttled progress and terminal status to a session.
// Fire-and-forget: delivery failures of the notification itself are ignored.
type Notifier interface {
	Notify(sessionID, status string)
}

// SearchFunc is the search capability feeding the ranking engine.
type SearchFunc func(ctx context.Context, query string, limit int) ([]Candidate, error)

// Request describes one acquisition. Either Locator (a direct link) or Query
// (free-form text needing search and ranking) must be set.
type Request struct {
	SessionID string
	Locator   string
	Query     string
	Title     string
	Artist    string
}

// Delivery is the terminal result of a successful acquisition.
type Delivery struct {
	Key       string
	Title     string
	Artist    string
	Duration  time.Duration
	Audio     AssetRef
	Cover     AssetRef
	FromCache bool
	Bytes     int64
	Elapsed   time.Duration
}

// Acquirer orchestrates metadata lookup, cover fetch, audio fetch, tagging and
// delivery, with bounded retries and identity rotation between transient
// failures. One live job per session.
type Acquirer struct {
	mu   sync.Mutex
	jobs map[string]*Job

	fetch   Fetcher
	search  SearchFunc
	rotator Rotator
	cache   *DeliveryCache
	assets  AssetStore
	notify  Notifier

	workDir     string
	maxDuration time.Duration
	rankFloor   float64
}

func NewAcquirer(fetch Fetcher, search SearchFunc, rotator Rotator, cache *DeliveryCache, assets AssetStore, notify Notifier, workDir string, maxDuration time.Duration, rankFloor float64) *Acquirer {
	if rotator == nil {
		rotator = NopRotator{}
	}
	return &Acquirer{
		jobs:        make(map[string]*Job),
		fetch:       fetch,
		search:      search,
		rotator:     rotator,
		cache:       cache,
		assets:      assets,
		notify:      notify,
		workDir:     workDir,
		maxDuration: maxDuration,
		rankFloor:   rankFloor,
	}
}

// Cancel flips the running flag of the session's live job. Returns false when
// there is nothing to cancel. The job observes the flag at its next
// checkpoint; in-flight bytes of the current attempt are not forcibly aborted.
func (a *Acquirer) Cancel(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, ok := a.jobs[sessionID]
	if !ok || !job.running.Load() {
		return false
	}
	job.running.Store(false)
	return true
}

// Active returns the live job for the session, if any.
func (a *Acquirer) Active(sessionID string) (*Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[sessionID]
	return job, ok
}

func (a *Acquirer) begin(sessionID string) (*Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.jobs[sessionID]; ok && existing.running.Load() {
		return nil, ErrBusy
	}

	job := &Job{SessionID: sessionID, startedAt: time.Now()}
	job.running.Store(true)
	job.setState(StatePending)
	a.jobs[sessionID] = job
	return job, nil
}

// finish releases the session lock and removes every work file sharing the
// job's stem. Runs on every exit path.
func (a *Acquirer) finish(job *Job) {
	if job.stem != "" {
		matches, _ := filepath.Glob(filepath.Join(a.workDir, job.stem+"*"))
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				LogAcquire(MsgAcquireCleanupFail, m, err)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	job.running.Store(false)
	delete(a.jobs, job.SessionID)
}

// Acquire runs one request to a terminal outcome. Errors match the failure
// taxonomy; cleanup of work files and the session lock is guaranteed on every
// path.
func (a *Acquirer) Acquire(ctx context.Context, req Request) (delivery *Delivery, err error) {
	job, err := a.begin(req.SessionID)
	if err != nil {
		return nil, err
	}

	defer func() {
		switch {
		case err == nil:
			job.setState(StateCompleted)
		case errors.Is(err, ErrCancelled):
			job.setState(StateCancelled)
		default:
			job.setState(StateFailed)
		}
		a.finish(job)
	}()

	LogAcquire(MsgAcquireAccepted, req.SessionID, firstNonEmpty(req.Locator, req.Query))

	locator := req.Locator
	var stale *CacheEntry
	checkedKey := ""

	// Requests that already carry song identity (scraped streaming pages) can
	// be answered from the cache before any search round-trip.
	if locator == "" && req.Title != "" && req.Artist != "" {
		checkedKey = SongKey(req.Artist, req.Title)
		if entry, hit := a.cache.Lookup(checkedKey); hit {
			if d := a.redeliver(ctx, job, req.SessionID, checkedKey, locator, req.Title, req.Artist, 0, entry); d != nil {
				return d, nil
			}
			stale = entry
		}
	}

	if locator == "" {
		locator, err = a.resolveQuery(ctx, job, req)
		if err != nil {
			return nil, err
		}
	}

	// Metadata first: the duration ceiling is enforced before any media
	// bytes are fetched.
	a.setPhase(job, StateResolvingMetadata)
	if err = job.checkpoint(ctx); err != nil {
		return nil, err
	}
	md, err := a.fetch.ResolveMetadata(ctx, locator)
	if err != nil {
		return nil, err
	}

	title := firstNonEmpty(req.Title, md.Title)
	artist := firstNonEmpty(req.Artist, md.Artist)

	if a.maxDuration > 0 && md.Duration > a.maxDuration {
		return nil, fmt.Errorf("%w: %s resolved to %s, limit is %s",
			ErrTooLong, title, md.Duration.Round(time.Second), a.maxDuration)
	}

	key := SongKey(artist, title)

	if key != checkedKey {
		if entry, hit := a.cache.Lookup(key); hit {
			if d := a.redeliver(ctx, job, req.SessionID, key, locator, title, artist, md.Duration, entry); d != nil {
				return d, nil
			}
			stale = entry
		}
	}

	job.stem = downloadStem(title)

	// Cover art is optional. Retries and rotation apply, but a final failure
	// degrades to a coverless delivery rather than failing the job.
	a.setPhase(job, StateFetchingCover)
	var coverPath string
	coverErr := a.withRetries(ctx, job, func() error {
		var fetchErr error
		coverPath, fetchErr = a.fetch.FetchCover(ctx, locator, job.stem)
		return fetchErr
	})
	if coverErr != nil {
		if errors.Is(coverErr, ErrCancelled) {
			return nil, coverErr
		}
		LogAcquire(MsgAcquireCoverSkipped, coverErr)
		coverPath = ""
	}

	a.setPhase(job, StateFetchingAudio)
	var audioPath string
	err = a.withRetries(ctx, job, func() error {
		onProgress := func(ev ProgressEvent) bool {
			if !job.running.Load() {
				return false
			}
			job.bytes.Store(ev.Downloaded)
			a.reportProgress(job, title, ev)
			return true
		}
		var fetchErr error
		audioPath, fetchErr = a.fetch.FetchAudio(ctx, locator, job.stem, onProgress)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(audioPath); statErr == nil {
		job.bytes.Store(info.Size())
	}

	a.setPhase(job, StateTagging)
	if err = job.checkpoint(ctx); err != nil {
		return nil, err
	}
	if tagErr := TagAudio(audioPath, coverPath, title, artist); tagErr != nil {
		LogAcquire(MsgAcquireTagFail, tagErr)
	}

	a.setPhase(job, StateDelivering)
	if err = job.checkpoint(ctx); err != nil {
		return nil, err
	}
	audioRef, coverRef, err := a.assets.Store(ctx, req.SessionID, audioPath, coverPath, deliveryCaption(artist, title))
	if err != nil {
		return nil, err
	}

	if stale != nil {
		if cacheErr := a.cache.Repair(ctx, key, audioRef, coverRef, stale); cacheErr != nil {
			LogAcquire(MsgAcquireCacheFail, key, cacheErr)
		}
	} else {
		if cacheErr := a.cache.Store(key, audioRef, coverRef); cacheErr != nil {
			LogAcquire(MsgAcquireCacheFail, key, cacheErr)
		}
	}

	elapsed := time.Since(job.startedAt)
	_ = RecordDelivery(ctx, &DeliveryRecord{
		SongKey: key, Locator: locator, ChannelID: req.SessionID,
		Title: title, Artist: artist, Duration: md.Duration,
		Bytes: job.bytes.Load(), Elapsed: elapsed,
	})

	LogAcquire(MsgAcquireDone, key, req.SessionID, elapsed.Round(time.Second))

	return &Delivery{
		Key: key, Title: title, Artist: artist, Duration: md.Duration,
		Audio: audioRef, Cover: coverRef,
		Bytes: job.bytes.Load(), Elapsed: elapsed,
	}, nil
}

// setPhase advances the job and surfaces the new phase through the notifier.
func (a *Acquirer) setPhase(job *Job, s JobState) {
	job.setState(s)
	if a.notify != nil {
		a.notify.Notify(job.SessionID, "⏳ "+s.String()+"...")
	}
}

// redeliver re-serves a cached entry. Returns nil when the stored references
// no longer resolve so the caller re-acquires and repairs the entry.
func (a *Acquirer) redeliver(ctx context.Context, job *Job, sessionID, key, locator, title, artist string, duration time.Duration, entry *CacheEntry) *Delivery {
	LogAcquire(MsgAcquireCacheHit, key)

	if err := a.assets.Redeliver(ctx, sessionID, entry, deliveryCaption(artist, title)); err != nil {
		LogAcquire(MsgAcquireCacheStale, key, err)
		return nil
	}

	elapsed := time.Since(job.startedAt)
	_ = RecordDelivery(ctx, &DeliveryRecord{
		SongKey: key, Locator: locator, ChannelID: sessionID,
		Title: title, Artist: artist, Duration: duration,
		Elapsed: elapsed, FromCache: true,
	})
	return &Delivery{
		Key: key, Title: title, Artist: artist, Duration: duration,
		Audio: entry.Audio, Cover: entry.Cover,
		FromCache: true, Elapsed: elapsed,
	}
}

// resolveQuery turns a free-form query into a locator via search and ranking.
func (a *Acquirer) resolveQuery(ctx context.Context, job *Job, req Request) (string, error) {
	if err := job.checkpoint(ctx); err != nil {
		return "", err
	}
	if a.search == nil {
		return "", fmt.Errorf("%w: no search capability", ErrNotFound)
	}

	cands, err := a.search(ctx, req.Query, searchLimit)
	if err != nil {
		return "", classifySearchError(ctx, err)
	}

	title := firstNonEmpty(req.Title, req.Query)
	choice := SelectBest(cands, title, req.Artist, a.rankFloor)
	if choice == nil {
		return "", fmt.Errorf("%w: no results for %q", ErrNotFound, req.Query)
	}
	return choice.URL, nil
}

func classifySearchError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}

// withRetries runs op up to maxFetchAttempts times, rotating network identity
// between transient failures. Three transient failures cost exactly two
// rotations: the final failure escalates without another rotation.
func (a *Acquirer) withRetries(ctx context.Context, job *Job, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		if err := job.checkpoint(ctx); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errTransientNetwork) {
			return err
		}
		lastErr = err

		if attempt < maxFetchAttempts {
			LogAcquire(MsgAcquireRetry, attempt, maxFetchAttempts, err)
			if rotErr := a.rotator.Rotate(ctx); rotErr != nil && (ctx.Err() != nil || errors.Is(rotErr, context.Canceled)) {
				return ErrCancelled
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrNetworkBlocked, lastErr)
}

// reportProgress throttles outward status updates to one per 3 seconds.
func (a *Acquirer) reportProgress(job *Job, title string, ev ProgressEvent) {
	if a.notify == nil {
		return
	}
	now := time.Now()
	if now.Sub(job.lastNotify) < progressInterval {
		return
	}
	job.lastNotify = now

	a.notify.Notify(job.SessionID, renderProgress(title, ev, now.Sub(job.startedAt)))
}

// renderProgress formats one status line: a ten-cell bar, percentage, rate
// and either an ETA or elapsed time. Rate is derived from elapsed wall clock,
// which also covers sources that report no instantaneous rate. ETAs beyond
// 1200s are unreliable and replaced by elapsed time.
func renderProgress(title string, ev ProgressEvent, elapsed time.Duration) string {
	percent := 0
	if ev.Total > 0 {
		percent = int(ev.Downloaded * 100 / ev.Total)
		if percent > 100 {
			percent = 100
		}
	}

	filled := percent / 10
	bar := strings.Repeat("▰", filled) + strings.Repeat("▱", 10-filled)

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(ev.Downloaded) / secs
	}
	rateStr := humanize.Bytes(uint64(rate)) + "/s"

	tail := fmt.Sprintf("elapsed %s", elapsed.Round(time.Second))
	if ev.Total > 0 && rate > 0 {
		eta := time.Duration(float64(ev.Total-ev.Downloaded)/rate) * time.Second
		if eta <= etaUnreliableOver {
			tail = fmt.Sprintf("ETA %s", eta.Round(time.Second))
		}
	}

	return fmt.Sprintf("⬇️ %s\n%s %d%% | %s | %s", title, bar, percent, rateStr, tail)
}

// downloadStem builds a unique per-job filename stem so cleanup can glob for
// every artifact the job produced.
func downloadStem(title string) string {
	s := slug.Make(title)
	if s == "" {
		s = "track"
	}
	if len(s) > 48 {
		s = s[:48]
	}
	return s + "-" + randstr.Hex(4)
}

func deliveryCaption(artist, title string) string {
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
