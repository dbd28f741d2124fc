package main

import (
	"strings"
	"time"
)

// ===========================
// Candidate Ranking Engine
// ===========================

// Candidate is a single search hit as returned by the search capability.
type Candidate struct {
	Title    string
	Uploader string
	Views    int64
	Duration time.Duration
	URL      string
}

// RankedChoice is the surviving candidate after scoring.
type RankedChoice struct {
	URL   string
	Score float64
}

const (
	// DefaultRankFloor is the minimum winning score below which the engine
	// prefers the search engine's own first hit over its best-scored one.
	DefaultRankFloor = 10.0

	rankViewCap        = 80.0
	rankTopicBonus     = 50.0
	rankArtistBonus    = 40.0
	rankVevoBonus      = 30.0
	rankOfficialBonus  = 15.0
	rankTooLongPenalty = 50.0
	rankTeaserPenalty  = 20.0
	rankRemixPenalty   = 100.0
	rankCoverPenalty   = 100.0
	rankLivePenalty    = 50.0
	rankMaxDuration    = 600 * time.Second
	rankMinDuration    = 90 * time.Second
)

// SelectBest picks the search result most likely to be the requested song.
// "Linear popularity" scoring: raw view count dominates but is capped so
// strong negative signals (remixes, covers, live cuts, absurd durations) can
// still sink a popular wrong answer. Ties keep the first-seen candidate since
// results arrive pre-ordered by search relevance. A winning score under floor
// falls back to the first candidate: an uncertain answer beats no answer.
// The floor is taken as given so a zero or negative value weakens or disables
// the fallback; the config layer supplies the default when unset. Empty input
// yields nil.
func SelectBest(cands []Candidate, songTitle, artist string, floor float64) *RankedChoice {
	if len(cands) == 0 {
		return nil
	}

	targetClean := strings.ToLower(strings.TrimSpace(artist + " " + songTitle))
	wantRemix := strings.Contains(targetClean, "remix")
	wantLive := strings.Contains(targetClean, "live")

	best := cands[0]
	bestScore := scoreCandidate(cands[0], targetClean, artist, wantRemix, wantLive)
	for _, c := range cands[1:] {
		if s := scoreCandidate(c, targetClean, artist, wantRemix, wantLive); s > bestScore {
			best, bestScore = c, s
		}
	}

	if bestScore < floor {
		return &RankedChoice{URL: cands[0].URL, Score: bestScore}
	}
	return &RankedChoice{URL: best.URL, Score: bestScore}
}

func scoreCandidate(c Candidate, targetClean, artist string, wantRemix, wantLive bool) float64 {
	score := 0.0
	titleLower := strings.ToLower(c.Title)

	// Popularity, linear and capped
	pop := float64(c.Views) / 1_000_000
	if pop > rankViewCap {
		pop = rankViewCap
	}
	score += pop

	// Channel authority, mutually exclusive in priority order
	switch {
	case strings.Contains(c.Uploader, " - Topic"):
		score += rankTopicBonus
	case artist != "" && strings.Contains(strings.ToLower(c.Uploader), strings.ToLower(artist)):
		score += rankArtistBonus
	case strings.Contains(c.Uploader, "VEVO"):
		score += rankVevoBonus
	}

	// Title similarity, up to +50
	score += float64(TokenSetRatio(targetClean, titleLower)) * 0.5

	// Duration sanity: extended mixes and teaser clips
	if c.Duration > rankMaxDuration {
		score -= rankTooLongPenalty
	} else if c.Duration > 0 && c.Duration < rankMinDuration {
		score -= rankTeaserPenalty
	}

	// Content-type mismatches
	if strings.Contains(titleLower, "remix") && !wantRemix {
		score -= rankRemixPenalty
	}
	if strings.Contains(titleLower, "cover") {
		score -= rankCoverPenalty
	}
	if strings.Contains(titleLower, "live") && !wantLive {
		score -= rankLivePenalty
	}

	if strings.Contains(titleLower, "official video") || strings.Contains(titleLower, "official music video") {
		score += rankOfficialBonus
	}

	return score
}
