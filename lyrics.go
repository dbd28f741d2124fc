package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ===========================
// Lyrics Resolution Engine
// ===========================

const (
	MsgLyricsResolved  = "Resolved lyrics for %q via %s"
	MsgLyricsMiss      = "No lyrics found for %q"
	MsgLyricsSourceErr = "Lyrics source %s failed: %v"

	defaultStructuredLyricsURL = "https://lrclib.net"

	lyricsSourceTimeout = 6 * time.Second
	lyricsTopResults    = 3
	lyricsScrapeMinLen  = 5
)

// LyricsResult is transient, never persisted.
type LyricsResult struct {
	Text       string
	SourceName string
	Synced     bool
}

// structuredLyricsHit mirrors one search result from the structured lyrics
// database.
type structuredLyricsHit struct {
	TrackName    string `json:"trackName"`
	ArtistName   string `json:"artistName"`
	Instrumental bool   `json:"instrumental"`
	PlainLyrics  string `json:"plainLyrics"`
	SyncedLyrics string `json:"syncedLyrics"`
}

// LyricsEngine queries ordered external sources and gates their answers
// through the similarity threshold before trusting them. Per-source failures
// are swallowed; nil comes back only when every option is exhausted.
type LyricsEngine struct {
	http          *http.Client
	structuredURL string
	scrapeURL     string
	threshold     int
}

// NewLyricsEngine builds an engine. An empty structuredURL falls back to the
// public lyrics database; an empty scrapeURL disables the scraped fallback.
func NewLyricsEngine(structuredURL, scrapeURL string, threshold int) *LyricsEngine {
	if structuredURL == "" {
		structuredURL = defaultStructuredLyricsURL
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &LyricsEngine{
		http:          &http.Client{Timeout: lyricsSourceTimeout},
		structuredURL: strings.TrimSuffix(structuredURL, "/"),
		scrapeURL:     strings.TrimSuffix(scrapeURL, "/"),
		threshold:     threshold,
	}
}

// Resolve tries the artist-qualified query first, then the bare title. The
// external sources are ASCII-indexed, so queries are reduced to ASCII up
// front.
func (e *LyricsEngine) Resolve(ctx context.Context, artist, title string) *LyricsResult {
	asciiArtist := strings.TrimSpace(ToASCIIOnly(artist))
	asciiTitle := strings.TrimSpace(ToASCIIOnly(title))
	if asciiTitle == "" {
		return nil
	}

	type attempt struct {
		query  string
		artist string
	}
	attempts := []attempt{}
	if asciiArtist != "" {
		attempts = append(attempts, attempt{asciiArtist + " " + asciiTitle, asciiArtist})
	}
	attempts = append(attempts, attempt{asciiTitle, ""})

	for _, at := range attempts {
		if res := e.resolveStructured(ctx, at.query, at.artist, asciiTitle); res != nil {
			LogLyrics(MsgLyricsResolved, at.query, res.SourceName)
			return res
		}

		// The scraped fallback is only trustworthy for artist-qualified
		// queries of reasonable length; its first hit is taken as-is.
		if at.artist != "" && len(at.query) > lyricsScrapeMinLen {
			if res := e.resolveScraped(ctx, at.query); res != nil {
				LogLyrics(MsgLyricsResolved, at.query, res.SourceName)
				return res
			}
		}
	}

	LogLyrics(MsgLyricsMiss, asciiTitle)
	return nil
}

// resolveStructured checks the top results of the structured database,
// skipping instrumentals and anything the similarity gate rejects.
func (e *LyricsEngine) resolveStructured(ctx context.Context, query, artist, title string) *LyricsResult {
	reqCtx, cancel := context.WithTimeout(ctx, lyricsSourceTimeout)
	defer cancel()

	endpoint := e.structuredURL + "/api/search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(reqCtx, "GET", endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		LogLyrics(MsgLyricsSourceErr, "structured", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		LogLyrics(MsgLyricsSourceErr, "structured", fmt.Errorf("HTTP %d", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	var hits []structuredLyricsHit
	if err := json.Unmarshal(body, &hits); err != nil {
		LogLyrics(MsgLyricsSourceErr, "structured", err)
		return nil
	}

	if len(hits) > lyricsTopResults {
		hits = hits[:lyricsTopResults]
	}

	cleanArtist := NormalizeSongText(artist)
	for _, hit := range hits {
		if hit.Instrumental {
			continue
		}
		if len(cleanArtist) > 2 && !SimilarEnough(cleanArtist, NormalizeSongText(hit.ArtistName), e.threshold) {
			continue
		}
		if !SimilarEnough(NormalizeSongText(title), NormalizeSongText(hit.TrackName), e.threshold) {
			continue
		}

		if hit.SyncedLyrics != "" {
			return &LyricsResult{Text: hit.SyncedLyrics, SourceName: "structured", Synced: true}
		}
		if hit.PlainLyrics != "" {
			return &LyricsResult{Text: hit.PlainLyrics, SourceName: "structured", Synced: false}
		}
	}
	return nil
}

// resolveScraped searches the configured lyrics site and takes its first hit.
// No similarity gate here: the search itself is already artist and title
// qualified.
func (e *LyricsEngine) resolveScraped(ctx context.Context, query string) *LyricsResult {
	if e.scrapeURL == "" {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, lyricsSourceTimeout)
	defer cancel()

	searchDoc, err := e.fetchDocument(reqCtx, e.scrapeURL+"/search?q="+url.QueryEscape(query))
	if err != nil {
		LogLyrics(MsgLyricsSourceErr, "scraped", err)
		return nil
	}

	href, ok := searchDoc.Find(".search-results a").First().Attr("href")
	if !ok || href == "" {
		return nil
	}
	if strings.HasPrefix(href, "/") {
		href = e.scrapeURL + href
	}

	pageCtx, cancelPage := context.WithTimeout(ctx, lyricsSourceTimeout)
	defer cancelPage()

	pageDoc, err := e.fetchDocument(pageCtx, href)
	if err != nil {
		LogLyrics(MsgLyricsSourceErr, "scraped", err)
		return nil
	}

	text := strings.TrimSpace(pageDoc.Find(".lyrics").First().Text())
	if text == "" {
		return nil
	}
	return &LyricsResult{Text: text, SourceName: "scraped", Synced: false}
}

func (e *LyricsEngine) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}
