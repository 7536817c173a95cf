// Package analysis turns raw field text into a sequence of normalized,
// position-tagged terms. The default pipeline splits on non-alphanumeric
// boundaries, case-folds through Unicode NFKC, drops stop words and applies
// the snowball English stemmer.
package analysis

import (
	"strings"
	"unicode"

	snowball "github.com/kljensen/snowball/english"
	"golang.org/x/text/unicode/norm"
)

// Token is one indexable term. Position is the term's ordinal within the
// analyzed text and advances across removed stop words, so phrase matching
// cannot bridge a removed word. Start and End are byte offsets into the
// original text, used by the highlighter.
type Token struct {
	Term     string
	Position int
	Start    int
	End      int
}

type Analyzer interface {
	Analyze(text string) []Token
}

// Pipeline is the default Analyzer. The zero value is not usable, construct
// it with New or NewDefault.
type Pipeline struct {
	stopWords map[string]struct{}
	stem      bool
	minLength int
}

type Option func(*Pipeline)

// WithStopWords replaces the default stop-word list.
func WithStopWords(words []string) Option {
	return func(p *Pipeline) {
		p.stopWords = make(map[string]struct{}, len(words))
		for _, w := range words {
			p.stopWords[w] = struct{}{}
		}
	}
}

// WithoutStemming disables the stemming stage.
func WithoutStemming() Option {
	return func(p *Pipeline) { p.stem = false }
}

// WithMinLength drops tokens shorter than n runes. Dropped tokens still
// consume a position.
func WithMinLength(n int) Option {
	return func(p *Pipeline) { p.minLength = n }
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		stopWords: defaultStopWords,
		stem:      true,
		minLength: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDefault returns the pipeline used by indexes that do not configure
// their own analyzer.
func NewDefault() *Pipeline {
	return New()
}

func (p *Pipeline) Analyze(text string) []Token {
	tokens := make([]Token, 0, len(text)/8)
	pos := 0

	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if tok, ok := p.emit(text[start:i], pos, start, i); ok {
				tokens = append(tokens, tok)
			}
			pos++
			start = -1
		}
	}
	if start >= 0 {
		if tok, ok := p.emit(text[start:], pos, start, len(text)); ok {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func (p *Pipeline) emit(word string, pos, start, end int) (Token, bool) {
	term := Normalize(word)
	if len([]rune(term)) < p.minLength {
		return Token{}, false
	}
	if _, stop := p.stopWords[term]; stop {
		return Token{}, false
	}
	if p.stem {
		term = snowball.Stem(term, false)
		if term == "" {
			return Token{}, false
		}
	}
	return Token{Term: term, Position: pos, Start: start, End: end}, true
}

// Normalize applies the pipeline's case folding to a single word without
// splitting, stemming or stop-word removal. The query parser uses it for
// identifier terms and wildcard patterns.
func Normalize(word string) string {
	return strings.ToLower(norm.NFKC.String(word))
}

// Stem reduces a single normalized word to its root form using the same
// stemmer as the indexing pipeline.
func Stem(word string) string {
	return snowball.Stem(word, false)
}
