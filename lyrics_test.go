package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func structuredServer(t *testing.T, hits []structuredLyricsHit) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			http.NotFound(w, r)
			return
		}
		data, err := json.Marshal(hits)
		if err != nil {
			t.Error(err)
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLyricsStructuredPrefersSynced(t *testing.T) {
	srv := structuredServer(t, []structuredLyricsHit{
		{TrackName: "Song", ArtistName: "Artist", PlainLyrics: "plain text", SyncedLyrics: "[00:01.00] synced text"},
	})

	e := NewLyricsEngine(srv.URL, "", DefaultSimilarityThreshold)
	res := e.Resolve(context.Background(), "Artist", "Song")
	if res == nil {
		t.Fatal("expected a result")
	}
	if !res.Synced || res.Text != "[00:01.00] synced text" {
		t.Fatalf("expected synced lyrics to win, got %+v", res)
	}
}

func TestLyricsStructuredSkipsInstrumental(t *testing.T) {
	srv := structuredServer(t, []structuredLyricsHit{
		{TrackName: "Song", ArtistName: "Artist", Instrumental: true},
		{TrackName: "Song", ArtistName: "Artist", PlainLyrics: "real words"},
	})

	e := NewLyricsEngine(srv.URL, "", DefaultSimilarityThreshold)
	res := e.Resolve(context.Background(), "Artist", "Song")
	if res == nil || res.Text != "real words" {
		t.Fatalf("instrumental top hit must be skipped, got %+v", res)
	}
}

func TestLyricsStructuredArtistGate(t *testing.T) {
	srv := structuredServer(t, []structuredLyricsHit{
		{TrackName: "Song", ArtistName: "completely different band", PlainLyrics: "wrong lyrics"},
	})

	e := NewLyricsEngine(srv.URL, "", DefaultSimilarityThreshold)
	if res := e.resolveStructured(context.Background(), "Artist Song", "Artist", "Song"); res != nil {
		t.Fatalf("exact title with the wrong artist must be rejected, got %+v", res)
	}
}

func TestLyricsStructuredTitleGate(t *testing.T) {
	srv := structuredServer(t, []structuredLyricsHit{
		{TrackName: "entirely unrelated tune", ArtistName: "Artist", PlainLyrics: "wrong lyrics"},
	})

	e := NewLyricsEngine(srv.URL, "", DefaultSimilarityThreshold)
	if res := e.Resolve(context.Background(), "Artist", "Song"); res != nil {
		t.Fatalf("dissimilar titles must be rejected, got %+v", res)
	}
}

func TestLyricsStructuredTopResultsOnly(t *testing.T) {
	// Only the first three hits are considered; a match buried at position
	// four is never seen.
	hits := []structuredLyricsHit{
		{TrackName: "nope one", ArtistName: "Artist"},
		{TrackName: "nope two", ArtistName: "Artist"},
		{TrackName: "nope three", ArtistName: "Artist"},
		{TrackName: "Song", ArtistName: "Artist", PlainLyrics: "too deep"},
	}
	srv := structuredServer(t, hits)

	e := NewLyricsEngine(srv.URL, "", DefaultSimilarityThreshold)
	if res := e.resolveStructured(context.Background(), "Artist Song", "Artist", "Song"); res != nil {
		t.Fatalf("hits past the top three must be ignored, got %+v", res)
	}
}

func TestLyricsScrapedFallback(t *testing.T) {
	structured := structuredServer(t, nil)

	var scrape *httptest.Server
	scrape = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			fmt.Fprint(w, `<html><body><div class="search-results"><a href="/lyrics/1">Song</a></div></body></html>`)
		case "/lyrics/1":
			fmt.Fprint(w, `<html><body><div class="lyrics">scraped words here</div></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(scrape.Close)

	e := NewLyricsEngine(structured.URL, scrape.URL, DefaultSimilarityThreshold)
	res := e.Resolve(context.Background(), "Artist", "Song")
	if res == nil {
		t.Fatal("expected the scraped fallback to answer")
	}
	if res.SourceName != "scraped" || res.Text != "scraped words here" {
		t.Fatalf("unexpected scraped result: %+v", res)
	}
}

func TestLyricsScrapedRequiresArtist(t *testing.T) {
	structured := structuredServer(t, nil)

	var scrapeHits atomic.Int32
	scrape := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scrapeHits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(scrape.Close)

	e := NewLyricsEngine(structured.URL, scrape.URL, DefaultSimilarityThreshold)
	if res := e.Resolve(context.Background(), "", "Some Long Title"); res != nil {
		t.Fatalf("expected a miss, got %+v", res)
	}
	if scrapeHits.Load() != 0 {
		t.Fatal("the scraped source must never see an artist-less query")
	}
}

func TestLyricsSourceFailuresSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	e := NewLyricsEngine(srv.URL, srv.URL, DefaultSimilarityThreshold)
	if res := e.Resolve(context.Background(), "Artist", "Song"); res != nil {
		t.Fatalf("failing sources must yield a miss, not an error or panic, got %+v", res)
	}
}

func TestLyricsEmptyTitleShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	e := NewLyricsEngine(srv.URL, srv.URL, DefaultSimilarityThreshold)
	if res := e.Resolve(context.Background(), "Artist", "日本語のみ"); res != nil {
		t.Fatalf("a title with no ASCII form cannot be queried, got %+v", res)
	}
	if hits.Load() != 0 {
		t.Fatal("no source should be contacted for an unqueryable title")
	}
}
