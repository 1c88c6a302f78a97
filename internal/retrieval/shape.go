package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// expandToSentence widens text[start:end] to the sentence boundaries around
// it, moving at most max runes in each direction.
func expandToSentence(text string, start, end, max int) string {
	if start < 0 || end > len(text) || start > end {
		return ""
	}
	s := start
	for n := 0; n < max && !sentenceStart(text, s); n++ {
		_, size := utf8.DecodeLastRuneInString(text[:s])
		s -= size
	}
	e := end
	for n := 0; n < max && !sentenceEnd(text, e); n++ {
		_, size := utf8.DecodeRuneInString(text[e:])
		e += size
	}
	return strings.TrimSpace(text[s:e])
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// sentenceStart reports whether a sentence can begin at byte i.
func sentenceStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, size := utf8.DecodeLastRuneInString(text[:i])
	if prev == '\n' {
		return true
	}
	if !unicode.IsSpace(prev) {
		return false
	}
	before, _ := utf8.DecodeLastRuneInString(text[:i-size])
	return isTerminator(before)
}

// sentenceEnd reports whether a sentence can end right before byte i.
func sentenceEnd(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	if prev == '\n' {
		return true
	}
	if !isTerminator(prev) {
		return false
	}
	next, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(next)
}
