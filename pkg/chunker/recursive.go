// Package chunker splits documents into overlapping chunks for embedding.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultSize    = 512
	DefaultOverlap = 50
)

// DefaultSeparators tries line breaks, then spaces, then single characters.
var DefaultSeparators = []string{"\n", " ", ""}

// Recursive splits on the first separator present in the text and merges the
// pieces into chunks of at most Size characters, carrying up to Overlap
// characters of the previous chunk into the next. Pieces still longer than
// Size are split again with the remaining separators. Lengths count runes.
type Recursive struct {
	Size       int
	Overlap    int
	Separators []string
}

func NewRecursive(size, overlap int) Recursive {
	return Recursive{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

func (r Recursive) normalized() Recursive {
	if r.Size <= 0 {
		r.Size = DefaultSize
	}
	if r.Overlap < 0 || r.Overlap >= r.Size {
		r.Overlap = 0
	}
	if len(r.Separators) == 0 {
		r.Separators = DefaultSeparators
	}
	return r
}

// Split returns the non-empty, whitespace-trimmed chunks of text.
func (r Recursive) Split(text string) []string {
	r = r.normalized()
	return r.split(text, r.Separators)
}

func (r Recursive) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, c := range text {
			pieces = append(pieces, string(c))
		}
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, pending []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runeLen(p) < r.Size {
			pending = append(pending, p)
			continue
		}
		if len(pending) > 0 {
			out = append(out, r.merge(pending, sep)...)
			pending = nil
		}
		if len(rest) == 0 {
			out = append(out, p)
		} else {
			out = append(out, r.split(p, rest)...)
		}
	}
	if len(pending) > 0 {
		out = append(out, r.merge(pending, sep)...)
	}
	return out
}

func (r Recursive) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var (
		docs    []string
		current []string
		total   int
	)
	joinCost := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}

	for _, p := range pieces {
		n := runeLen(p)
		if total+n+joinCost() > r.Size && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
				docs = append(docs, doc)
			}
			for total > r.Overlap || (total > 0 && total+n+joinCost() > r.Size) {
				drop := runeLen(current[0])
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
			}
		}
		total += n + joinCost()
		current = append(current, p)
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
