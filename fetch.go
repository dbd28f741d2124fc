package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ===========================
// Fetch Capability (yt-dlp)
// ===========================

const (
	MsgFetchMetadataFail = "yt-dlp metadata failed: %v, stderr: %s (URL: %s)"
	MsgFetchCoverFail    = "yt-dlp thumbnail failed: %v, stderr: %s"
	MsgFetchAudioFail    = "yt-dlp audio failed: %v, stderr: %s"
)

// Metadata is what the source knows about a locator before any bytes move.
type Metadata struct {
	Title    string
	Artist   string
	ID       string
	Duration time.Duration
	Size     int64
}

// ProgressEvent is one low-level progress sample from an in-flight transfer.
type ProgressEvent struct {
	Downloaded int64
	Total      int64
}

// Fetcher is the fetch capability consumed by the acquisition controller.
// FetchAudio reports progress through onProgress; a false return value asks
// the fetch to stop at the next opportunity.
type Fetcher interface {
	ResolveMetadata(ctx context.Context, locator string) (*Metadata, error)
	FetchCover(ctx context.Context, locator, stem string) (string, error)
	FetchAudio(ctx context.Context, locator, stem string, onProgress func(ProgressEvent) bool) (string, error)
}

type ytdlpFetcher struct {
	workDir string
	proxy   string
}

// NewYtdlpFetcher returns a Fetcher backed by the yt-dlp binary. workDir holds
// in-flight download stems and is created on first use.
func NewYtdlpFetcher(workDir, proxy string) Fetcher {
	return &ytdlpFetcher{workDir: workDir, proxy: proxy}
}

var jsOnce sync.Once
var cachedJSArgs []string

func (f *ytdlpFetcher) newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if f.proxy != "" {
		cmd.Proxy(f.proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "30",
	)
	return args
}

func (f *ytdlpFetcher) ResolveMetadata(ctx context.Context, locator string) (*Metadata, error) {
	locator = strings.Replace(locator, "music.youtube.com", "www.youtube.com", 1)

	cmd := f.newYtdlp()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(filesize,filesize_approx)s").
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, locator)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogAcquire(MsgFetchMetadataFail, err, stderr, locator)
		return nil, classifyFetchError(ctx, err, stderr)
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		sz := int64(0)
		if len(ps) >= 5 {
			fmt.Sscanf(ps[4], "%d", &sz)
		}
		return &Metadata{Title: ps[0], Artist: cleanUploaderArtist(ps[1]), ID: ps[3], Duration: d, Size: sz}, nil
	}
	return nil, fmt.Errorf("%w: empty metadata for %s", ErrNotFound, locator)
}

func (f *ytdlpFetcher) FetchCover(ctx context.Context, locator, stem string) (string, error) {
	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return "", err
	}
	locator = strings.Replace(locator, "music.youtube.com", "www.youtube.com", 1)

	cmd := f.newYtdlp()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		WriteThumbnail().
		ConvertThumbnails("jpg").
		Output(filepath.Join(f.workDir, stem+".%(ext)s")).
		IgnoreConfig().
		Run(ctx, append(args, locator)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogAcquire(MsgFetchCoverFail, err, stderr)
		return "", classifyFetchError(ctx, err, stderr)
	}

	for _, ext := range []string{".jpg", ".webp", ".png"} {
		p := filepath.Join(f.workDir, stem+ext)
		if _, statErr := os.Stat(p); statErr == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no thumbnail produced", ErrNotFound)
}

func (f *ytdlpFetcher) FetchAudio(ctx context.Context, locator, stem string, onProgress func(ProgressEvent) bool) (string, error) {
	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return "", err
	}
	locator = strings.Replace(locator, "music.youtube.com", "www.youtube.com", 1)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := f.newYtdlp().
		Format("bestaudio/best").
		ExtractAudio().
		AudioFormat("mp3").
		Output(filepath.Join(f.workDir, stem+".%(ext)s")).
		NoPart()

	if onProgress != nil {
		cmd = cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			if !onProgress(ProgressEvent{
				Downloaded: int64(update.DownloadedBytes),
				Total:      int64(update.TotalBytes),
			}) {
				cancel()
			}
		})
	}

	args := buildYtdlpArgs()
	res, err := cmd.
		IgnoreConfig().
		Run(fetchCtx, append(args, locator)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogAcquire(MsgFetchAudioFail, err, stderr)
		if ctx.Err() == nil && fetchCtx.Err() != nil {
			// Stopped by the progress predicate, not the caller's context
			return "", ErrCancelled
		}
		return "", classifyFetchError(ctx, err, stderr)
	}

	audioPath := filepath.Join(f.workDir, stem+".mp3")
	if _, statErr := os.Stat(audioPath); statErr != nil {
		return "", fmt.Errorf("%w: no audio produced", ErrNotFound)
	}
	return audioPath, nil
}

// cleanUploaderArtist trims the auto-generated channel suffix so the uploader
// name can stand in for the artist.
func cleanUploaderArtist(uploader string) string {
	uploader = strings.TrimSuffix(uploader, " - Topic")
	return strings.TrimSpace(uploader)
}

// classifyFetchError maps a raw yt-dlp failure into the failure taxonomy.
// Rate limits, geo/auth blocks and generic unavailability are transient and
// worth a retry behind a fresh network identity. Hard not-found conditions
// fail immediately.
func classifyFetchError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	msg := strings.ToLower(err.Error() + " " + stderr)

	notFoundMarkers := []string{
		"video unavailable",
		"is not a valid url",
		"unsupported url",
		"unable to extract",
		"404",
		"no such",
		"does not exist",
		"private video",
		"this video has been removed",
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}

	transientMarkers := []string{
		"429",
		"too many requests",
		"rate-limit",
		"rate limit",
		"403",
		"forbidden",
		"sign in to confirm",
		"blocked",
		"not available in your country",
		"timed out",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"unable to download",
		"service unavailable",
		"network is unreachable",
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", errTransientNetwork, err)
		}
	}

	return err
}
