// Package highlight extracts query-relevant snippets from stored field
// values. Matching is stem-aware: the value is re-analyzed with the same
// pipeline that indexed it and tokens are compared against the query's
// analyzed term set, never by raw substring.
package highlight

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/query"
)

// Formatter wraps each matched token in the emitted fragment.
type Formatter struct {
	Pre  string
	Post string
}

// TagFormatter builds a formatter that wraps matches in an HTML tag, with an
// optional class attribute.
func TagFormatter(tag, class string) Formatter {
	if class != "" {
		return Formatter{
			Pre:  fmt.Sprintf("<%s class=%q>", tag, class),
			Post: fmt.Sprintf("</%s>", tag),
		}
	}
	return Formatter{Pre: "<" + tag + ">", Post: "</" + tag + ">"}
}

// Options controls fragment extraction. The zero value gets sane defaults.
type Options struct {
	// MaxLength bounds the fragment size in bytes, markup excluded.
	// Default is 200.
	MaxLength int

	// Formatter wraps matched tokens. Default is <b>...</b>.
	Formatter Formatter

	// Ellipsis joins the fragment to truncated surroundings. Default "...".
	Ellipsis string
}

func (o Options) maxLength() int {
	if o.MaxLength > 0 {
		return o.MaxLength
	}
	return 200
}

func (o Options) formatter() Formatter {
	if o.Formatter != (Formatter{}) {
		return o.Formatter
	}
	return Formatter{Pre: "<b>", Post: "</b>"}
}

func (o Options) ellipsis() string {
	if o.Ellipsis != "" {
		return o.Ellipsis
	}
	return "..."
}

type span struct {
	start int
	end   int
}

// Fragments returns the best-matching snippet of value for the given query
// and field. When the value exceeds MaxLength the densest window of matches
// is chosen and truncated ends are joined with the ellipsis.
func Fragments(value string, q query.Query, field string, a analysis.Analyzer, opts Options) string {
	maxLength := opts.maxLength()
	ellipsis := opts.ellipsis()

	terms := make(map[string]bool)
	for _, term := range query.TermSet(q)[field] {
		terms[term] = true
	}

	var matches []span
	if len(terms) > 0 {
		for _, token := range a.Analyze(value) {
			if terms[token.Term] {
				matches = append(matches, span{start: token.Start, end: token.End})
			}
		}
	}

	if len(matches) == 0 {
		if len(value) <= maxLength {
			return value
		}
		return value[:snapLeft(value, maxLength)] + ellipsis
	}

	start, end := 0, len(value)
	truncated := false
	if len(value) > maxLength {
		start, end = bestWindow(value, matches, maxLength)
		truncated = true
	}

	var b strings.Builder
	if truncated && start > 0 {
		b.WriteString(ellipsis)
	}
	f := opts.formatter()
	cur := start
	for _, m := range matches {
		if m.end > end {
			break
		}
		if m.start < cur {
			continue
		}
		b.WriteString(value[cur:m.start])
		b.WriteString(f.Pre)
		b.WriteString(value[m.start:m.end])
		b.WriteString(f.Post)
		cur = m.end
	}
	b.WriteString(value[cur:end])
	if truncated && end < len(value) {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// bestWindow picks the densest run of matches that fits maxLength and pads
// the remaining budget around it.
func bestWindow(value string, matches []span, maxLength int) (int, int) {
	bestFirst, bestLast := 0, 0
	bestCount := 0
	j := 0
	for i := range matches {
		if j < i {
			j = i
		}
		for j+1 < len(matches) && matches[j+1].end-matches[i].start <= maxLength {
			j++
		}
		if count := j - i + 1; count > bestCount {
			bestCount = count
			bestFirst, bestLast = i, j
		}
	}

	start := matches[bestFirst].start
	end := matches[bestLast].end
	budget := maxLength - (end - start)
	if budget > 0 {
		start -= budget / 2
		if start < 0 {
			start = 0
		}
		end = start + maxLength
		if end > len(value) {
			end = len(value)
			start = end - maxLength
			if start < 0 {
				start = 0
			}
		}
	}
	return snapRight(value, start), snapLeft(value, end)
}

// snapRight moves the offset forward to the next rune boundary.
func snapRight(value string, i int) int {
	for i < len(value) && !utf8.RuneStart(value[i]) {
		i++
	}
	return i
}

// snapLeft moves the offset back to the previous rune boundary.
func snapLeft(value string, i int) int {
	for i > 0 && i < len(value) && !utf8.RuneStart(value[i]) {
		i--
	}
	return i
}
