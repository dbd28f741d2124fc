package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Search Capability
// ===========================

const (
	MsgSearchCandidates = "Found %d candidates for %q"
	MsgSearchFail       = "Search failed for %q: %v"

	quickSearchTimeout = 2600 * time.Millisecond
	quickSearchMax     = 25
)

// SearchCandidates runs a full metadata search so candidates carry view
// counts and durations for ranking. Slower than a flat search, but the
// ranking engine needs the popularity signal.
func SearchCandidates(ctx context.Context, query string, limit int) ([]Candidate, error) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if GlobalConfig != nil && GlobalConfig.Proxy != "" {
		cmd.Proxy(GlobalConfig.Proxy)
	}

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(view_count)s").
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", limit, query))...)

	if err != nil {
		LogSearch(MsgSearchFail, query, err)
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	cands := make([]Candidate, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		views := int64(0)
		if len(ps) >= 5 {
			views, _ = strconv.ParseInt(ps[4], 10, 64)
		}
		cands = append(cands, Candidate{
			URL:      ps[0],
			Title:    ps[1],
			Uploader: ps[2],
			Duration: d,
			Views:    views,
		})
	}

	LogSearch(MsgSearchCandidates, len(cands), query)
	return cands, nil
}

// QuickResult is a lightweight hit for autocomplete-style listings where only
// a locator and display title are needed.
type QuickResult struct {
	URL   string
	Title string
}

type quickSearchCache struct {
	sync.RWMutex
	items map[string]cachedQuickSearch
}

type cachedQuickSearch struct {
	results   []QuickResult
	expiresAt time.Time
}

var quickCache = quickSearchCache{items: make(map[string]cachedQuickSearch)}

// QuickSearch fans out to YouTube Music and YouTube in parallel, dedupes by
// video id, and returns Music hits first. Results are cached for an hour
// since the same partial queries repeat while a user types.
func QuickSearch(query string) []QuickResult {
	quickCache.RLock()
	if item, ok := quickCache.items[query]; ok {
		if time.Now().Before(item.expiresAt) {
			quickCache.RUnlock()
			return item.results
		}
	}
	quickCache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), quickSearchTimeout)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []QuickResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name + " - "
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, QuickResult{
					URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
					Title: truncateRunes(art+v.Title, 100),
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, QuickResult{
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
					Title: truncateRunes(v.Title, 100),
				})
			}
			resMu.Unlock()
		}
	}()

	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(quickSearchTimeout):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]QuickResult(nil), ytm...), yt...)
	if len(fin) > quickSearchMax {
		fin = fin[:quickSearchMax]
	}

	if len(fin) > 0 {
		quickCache.Lock()
		quickCache.items[query] = cachedQuickSearch{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		quickCache.Unlock()
	}

	return fin
}

func truncateRunes(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max-1]) + "…"
}
