package search

import (
	"html"
	"regexp"
	"strings"
)

var (
	tagRE   = regexp.MustCompile(`<[^>]*>`)
	spaceRE = regexp.MustCompile(`\s+`)
)

// NormalizeText strips markup from provider-supplied rich text and collapses
// whitespace, yielding plain text suitable for indexing and for chat bubbles.
// Block-level tags become spaces so adjacent paragraphs do not fuse into one
// word.
//
// Notes:
//   - HTML entities (&amp;, &nbsp;, ...) are decoded.
//   - The result carries no leading or trailing whitespace.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = tagRE.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, " ", " ")
	s = spaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Excerpt returns the first max runes of normalized text, cutting on a word
// boundary where one exists near the limit.
func Excerpt(s string, max int) string {
	s = NormalizeText(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexByte(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " .,;:") + "…"
}
