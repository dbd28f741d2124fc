package main

import "testing"

func TestSimilarEnoughIdentical(t *testing.T) {
	for _, s := range []string{"a", "hello world", "some long song title here"} {
		if !SimilarEnough(s, s, DefaultSimilarityThreshold) {
			t.Errorf("expected accept(%q, %q) to be true", s, s)
		}
	}
}

func TestSimilarEnoughEmpty(t *testing.T) {
	if SimilarEnough("", "anything", DefaultSimilarityThreshold) {
		t.Fatal("empty left side must never be accepted")
	}
	if SimilarEnough("anything", "", DefaultSimilarityThreshold) {
		t.Fatal("empty right side must never be accepted")
	}
	if TokenSetRatio("", "") != 0 {
		t.Fatal("two empty strings must score 0")
	}
}

func TestTokenSetRatioOrderIndependent(t *testing.T) {
	if got := TokenSetRatio("hello world foo", "foo world hello"); got != 100 {
		t.Fatalf("reordered tokens should score 100, got %d", got)
	}
}

func TestTokenSetRatioPartialOverlap(t *testing.T) {
	got := TokenSetRatio("great song", "great song official video")
	if got < DefaultSimilarityThreshold {
		t.Fatalf("superset title should clear the threshold, got %d", got)
	}
}

func TestTokenSetRatioUnrelated(t *testing.T) {
	got := TokenSetRatio("aaaa bbbb", "xyzq wvut")
	if got >= DefaultSimilarityThreshold {
		t.Fatalf("unrelated strings should stay below the threshold, got %d", got)
	}
}

func TestSimilarEnoughDefaultThreshold(t *testing.T) {
	// threshold <= 0 falls back to the default
	if !SimilarEnough("same words", "same words", 0) {
		t.Fatal("zero threshold should use the default, not reject everything")
	}
}
