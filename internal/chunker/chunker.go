// Package chunker splits document text into overlapping windows for indexing.
package chunker

import (
	"iter"
	"slices"
	"unicode"
	"unicode/utf8"

	"github.com/rcliao/voicekb/internal/apperr"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Options configures chunking behavior. Sizes are counted in runes.
type Options struct {
	Size    int
	Overlap int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		Size:    DefaultSize,
		Overlap: DefaultOverlap,
	}
}

// Validate checks 0 < Overlap < Size.
func (o Options) Validate() error {
	if o.Overlap <= 0 || o.Overlap >= o.Size {
		return apperr.New(apperr.DocumentProcessing,
			"invalid chunk options: need 0 < overlap (%d) < size (%d)", o.Overlap, o.Size)
	}
	return nil
}

// Window is one chunk of the source text. Offset is the byte index of Text in
// the source, so source[Offset:Offset+len(Text)] == Text.
type Window struct {
	Text   string
	Offset int
	Index  int
}

// Windows returns a lazy sequence of windows over text. Consecutive windows
// start size-overlap runes apart; the last one is truncated at the end of the
// text and iteration stops once a window reaches it, so no window is a pure
// suffix of the one before. Each range over the sequence starts again from
// offset 0.
func Windows(text string, opts Options) (iter.Seq[Window], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	step := opts.Size - opts.Overlap
	return func(yield func(Window) bool) {
		start := 0
		for idx := 0; start < len(text); idx++ {
			end := advance(text, start, opts.Size)
			if !yield(Window{Text: text[start:end], Offset: start, Index: idx}) {
				return
			}
			if end >= len(text) {
				return
			}
			start = advance(text, start, step)
		}
	}, nil
}

// Chunk collects Windows into a slice. Empty text yields nil.
func Chunk(text string, opts Options) ([]Window, error) {
	seq, err := Windows(text, opts)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// WordSpan returns w widened to whole words of text. Windows are cut on rune
// counts and can split a word at either edge.
func WordSpan(text string, w Window) string {
	start, end := w.Offset, w.Offset+len(w.Text)
	for start > 0 && start < len(text) {
		prev, size := utf8.DecodeLastRuneInString(text[:start])
		cur, _ := utf8.DecodeRuneInString(text[start:])
		if !isWordRune(prev) || !isWordRune(cur) {
			break
		}
		start -= size
	}
	for end > start && end < len(text) {
		prev, _ := utf8.DecodeLastRuneInString(text[:end])
		next, size := utf8.DecodeRuneInString(text[end:])
		if !isWordRune(prev) || !isWordRune(next) {
			break
		}
		end += size
	}
	return text[start:end]
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

// advance returns the byte index n runes after from, capped at len(s).
func advance(s string, from, n int) int {
	i := from
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
