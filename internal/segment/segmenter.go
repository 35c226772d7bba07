// Package segment splits a stream of text fragments into sentences.
package segment

import (
	"strings"
	"unicode/utf8"
)

// Terminator presets selectable by name.
const (
	Japanese = "。、？"
	Latin    = ".!?"
)

var presets = map[string]string{
	"ja":       Japanese,
	"japanese": Japanese,
	"latin":    Latin,
	"en":       Latin,
}

// Resolve maps a preset name to its terminator characters. Any other value is
// taken as the literal set of terminator characters.
func Resolve(value string) string {
	if set, ok := presets[strings.ToLower(strings.TrimSpace(value))]; ok {
		return set
	}
	return value
}

// Sentence is one segment of a streamed reply.
type Sentence struct {
	Text  string
	Final bool
}

// Segmenter buffers fragments and releases whole sentences as soon as the
// text following a terminator arrives. It is not safe for concurrent use.
type Segmenter struct {
	terminators map[rune]struct{}
	buf         []byte
	// scanned is the offset up to which buf holds no splittable terminator.
	scanned int
}

// New returns a Segmenter splitting after any rune in terminators.
func New(terminators string) *Segmenter {
	set := make(map[rune]struct{}, utf8.RuneCountInString(terminators))
	for _, r := range terminators {
		set[r] = struct{}{}
	}
	return &Segmenter{terminators: set}
}

// Push appends fragment and returns the sentences it completed, in order.
// The unterminated remainder stays buffered until the next Push or Flush.
func (s *Segmenter) Push(fragment string) []Sentence {
	if fragment == "" {
		return nil
	}
	s.buf = append(s.buf, fragment...)

	var out []Sentence
	start := 0
	i := s.scanned
	for i < len(s.buf) {
		if !utf8.FullRune(s.buf[i:]) {
			// Rest of the rune arrives with the next fragment.
			break
		}
		r, size := utf8.DecodeRune(s.buf[i:])
		if _, ok := s.terminators[r]; ok {
			end := i + size
			if end == len(s.buf) {
				// Nothing follows yet; keep it as part of the remainder.
				break
			}
			out = append(out, Sentence{Text: string(s.buf[start:end])})
			start = end
		}
		i += size
	}

	if start > 0 {
		n := copy(s.buf, s.buf[start:])
		s.buf = s.buf[:n]
		i -= start
	}
	s.scanned = i
	return out
}

// Flush returns the buffered remainder marked Final and resets the buffer.
// ok is false when nothing was buffered.
func (s *Segmenter) Flush() (Sentence, bool) {
	text := string(s.buf)
	s.buf = s.buf[:0]
	s.scanned = 0
	return Sentence{Text: text, Final: true}, text != ""
}

// Buffered reports the number of bytes waiting for a boundary.
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}
