package main

import (
	"regexp"
	"strings"
)

// ===========================
// Song Title Normalization
// ===========================

var (
	bracketBlockRegex = regexp.MustCompile(`\([^)]*?\)|\[[^\]]*?\]|「[^」]*?」|『[^』]*?』|【[^】]*?】`)
	bareYearRegex     = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	featMarkerRegex   = regexp.MustCompile(`(?i)(?:^|\s)(feat|ft|prod|with|by|x)(?:[\s.].*|$)`)
	separatorRegex    = regexp.MustCompile(`[\-_/\\|.,:;~+&*!?#()\[\]{}]+`)

	quoteStripper = strings.NewReplacer(
		`"`, "", "'", "", "`", "",
		"“", "", "”", "", "‘", "", "’", "",
		"«", "", "»", "",
	)

	// Tokens that show up in uploads but never in the actual song identity.
	junkTokens = []string{
		"official music video", "official video", "official audio", "official visualizer",
		"music video", "lyric video", "lyrics video", "lyrics", "lyric",
		"remastered", "remaster", "visualizer", "full song", "full album",
		"high quality", "hq", "hd", "4k", "8k", "720p", "1080p", "320kbps",
		"audio", "video", "mv", "m v", "topic", "vevo",
		"pop", "rock", "rap", "hip hop", "edm", "trap", "lofi", "phonk",
	}

	junkTokenRegex = buildJunkTokenRegex()
)

func buildJunkTokenRegex() *regexp.Regexp {
	quoted := make([]string, 0, len(junkTokens))
	for _, t := range junkTokens {
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// NormalizeSongText canonicalizes a free-form title or artist string into the
// comparable form used for cache keys and lyric queries. The pass runs to a
// fixpoint: converting separators can expose a marker ("stand-by-me"), and
// stripping one junk token can make two neighbors form another. Every pass
// only removes text, so the loop terminates. Deterministic and idempotent;
// anything unparseable collapses to "".
func NormalizeSongText(raw string) string {
	s := strings.ToLower(raw)
	for {
		next := normalizePass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalizePass(s string) string {
	// 1. Bracketed annotations carry variant noise, never identity
	s = bracketBlockRegex.ReplaceAllString(s, " ")

	// 2. Quotes out, separator punctuation to spaces, so the later steps see
	// space-bounded tokens
	s = quoteStripper.Replace(s)
	s = separatorRegex.ReplaceAllString(s, " ")

	// 3. Bare release years
	s = bareYearRegex.ReplaceAllString(s, " ")

	// 4. Upload-noise vocabulary
	s = junkTokenRegex.ReplaceAllString(s, " ")

	// 5. Featured-artist / producer suffixes corrupt matching, drop the tail
	s = featMarkerRegex.ReplaceAllString(s, " ")

	// 6. Collapse whitespace
	return strings.Join(strings.Fields(s), " ")
}

// ToASCIIOnly strips every non-ASCII rune. The external lyric indexes are
// ASCII-keyed, so cross-script metadata has to be reduced before querying.
func ToASCIIOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// SongKey derives the cache key for a delivered song. Two requests address the
// same cache slot iff their normalized artist and title both match.
func SongKey(artist, title string) string {
	return NormalizeSongText(artist) + "_" + NormalizeSongText(title)
}
