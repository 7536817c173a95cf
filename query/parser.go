package query

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/schema"
)

// SyntaxError reports a malformed query string together with the byte offset
// of the offending token.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Parser compiles query strings against one schema. Unqualified clauses apply
// to DefaultField; juxtaposed clauses combine with AND unless DefaultOr is
// set.
type Parser struct {
	Schema       *schema.Schema
	Analyzer     analysis.Analyzer
	DefaultField string
	DefaultOr    bool
}

// Parse compiles a query string using the default parser configuration.
func Parse(input, defaultField string, s *schema.Schema, a analysis.Analyzer) (Query, error) {
	p := &Parser{Schema: s, Analyzer: a, DefaultField: defaultField}
	return p.Parse(input)
}

func (p *Parser) Parse(input string) (Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, &SyntaxError{Pos: 0, Msg: "empty query"}
	}

	state := &parseState{parser: p, tokens: tokens, scope: p.DefaultField}
	q, err := state.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := state.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}
	if q == nil {
		// Every clause analyzed away (stop words only). Matches nothing.
		return &Or{}, nil
	}
	return q, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokTerm
	tokPhrase
	tokField
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '"':
			end := strings.IndexByte(input[i+1:], '"')
			if end < 0 {
				return nil, &SyntaxError{Pos: i, Msg: "unterminated quote"}
			}
			tokens = append(tokens, token{kind: tokPhrase, text: input[i+1 : i+1+end], pos: i})
			i += end + 2
		default:
			start := i
			for i < len(input) && !strings.ContainsRune(" \t\n\r()\"", rune(input[i])) {
				i++
			}
			word := input[start:i]
			if colon := strings.IndexByte(word, ':'); colon > 0 {
				tokens = append(tokens, token{kind: tokField, text: word[:colon], pos: start})
				if rest := word[colon+1:]; rest != "" {
					tokens = append(tokens, token{kind: tokTerm, text: rest, pos: start + colon + 1})
				}
				continue
			}
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{kind: tokAnd, text: word, pos: start})
			case "OR":
				tokens = append(tokens, token{kind: tokOr, text: word, pos: start})
			case "NOT":
				tokens = append(tokens, token{kind: tokNot, text: word, pos: start})
			default:
				tokens = append(tokens, token{kind: tokTerm, text: word, pos: start})
			}
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(input)}), nil
}

type parseState struct {
	parser *Parser
	tokens []token
	next   int
	scope  string
}

func (s *parseState) peek() token { return s.tokens[s.next] }

func (s *parseState) advance() token {
	tok := s.tokens[s.next]
	if tok.kind != tokEOF {
		s.next++
	}
	return tok
}

func startsClause(kind tokenKind) bool {
	switch kind {
	case tokTerm, tokPhrase, tokField, tokLParen, tokNot:
		return true
	}
	return false
}

func (s *parseState) parseOr() (Query, error) {
	sub, err := s.parseAnd()
	if err != nil {
		return nil, err
	}
	subs := appendSub(nil, sub)
	for {
		tok := s.peek()
		if tok.kind == tokOr || (s.parser.DefaultOr && startsClause(tok.kind)) {
			if tok.kind == tokOr {
				s.advance()
			}
			sub, err := s.parseAnd()
			if err != nil {
				return nil, err
			}
			subs = appendSub(subs, sub)
			continue
		}
		break
	}
	return combine(subs, true), nil
}

func (s *parseState) parseAnd() (Query, error) {
	sub, err := s.parseClause()
	if err != nil {
		return nil, err
	}
	subs := appendSub(nil, sub)
	for {
		tok := s.peek()
		if tok.kind == tokAnd || (!s.parser.DefaultOr && startsClause(tok.kind)) {
			if tok.kind == tokAnd {
				s.advance()
			}
			sub, err := s.parseClause()
			if err != nil {
				return nil, err
			}
			subs = appendSub(subs, sub)
			continue
		}
		break
	}
	return combine(subs, false), nil
}

func appendSub(subs []Query, sub Query) []Query {
	if sub == nil {
		return subs
	}
	return append(subs, sub)
}

func combine(subs []Query, or bool) Query {
	switch len(subs) {
	case 0:
		return nil
	case 1:
		return subs[0]
	}
	if or {
		return &Or{Subs: subs}
	}
	return &And{Subs: subs}
}

func (s *parseState) parseClause() (Query, error) {
	tok := s.advance()
	switch tok.kind {
	case tokNot:
		sub, err := s.parseClause()
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil
		}
		return &Not{Sub: sub}, nil

	case tokField:
		return s.parseScoped(tok)

	case tokLParen:
		return s.parseGroup(tok)

	case tokPhrase:
		return s.phraseNode(s.scope, tok)

	case tokTerm:
		return s.termNode(s.scope, tok)

	case tokEOF:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected end of query"}
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
}

func (s *parseState) parseScoped(field token) (Query, error) {
	if _, ok := s.parser.Schema.Field(field.text); !ok {
		return nil, errors.Wrapf(schema.ErrSchemaViolation, "unknown field %q in query", field.text)
	}
	tok := s.advance()
	switch tok.kind {
	case tokTerm:
		return s.termNode(field.text, tok)
	case tokPhrase:
		return s.phraseNode(field.text, tok)
	case tokLParen:
		outer := s.scope
		s.scope = field.text
		sub, err := s.parseGroup(tok)
		s.scope = outer
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil
		}
		return &Field{Name: field.text, Sub: sub}, nil
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected term after %q", field.text+":")}
}

func (s *parseState) parseGroup(open token) (Query, error) {
	sub, err := s.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := s.advance(); tok.kind != tokRParen {
		return nil, &SyntaxError{Pos: open.pos, Msg: "missing closing parenthesis"}
	}
	return sub, nil
}

func (s *parseState) termNode(field string, tok token) (Query, error) {
	decl, ok := s.parser.Schema.Field(field)
	if !ok {
		return nil, errors.Wrapf(schema.ErrSchemaViolation, "unknown field %q in query", field)
	}

	text := tok.text
	if strings.ContainsAny(text, "*?") {
		return &Wildcard{Field: field, Pattern: analysis.Normalize(text)}, nil
	}

	if tilde := strings.IndexByte(text, '~'); tilde >= 0 {
		base := text[:tilde]
		if base == "" {
			return nil, &SyntaxError{Pos: tok.pos, Msg: "fuzzy operator without a term"}
		}
		distance := 1
		switch text[tilde+1:] {
		case "":
		case "1":
		case "2":
			distance = 2
		default:
			return nil, &SyntaxError{Pos: tok.pos + tilde, Msg: "fuzzy distance must be 1 or 2"}
		}
		return &Fuzzy{Field: field, Term: analysis.Normalize(base), Distance: distance}, nil
	}

	if decl.Kind == schema.ID {
		return &Term{Field: field, Term: analysis.Normalize(text)}, nil
	}
	return s.analyzed(field, text)
}

func (s *parseState) phraseNode(field string, tok token) (Query, error) {
	decl, ok := s.parser.Schema.Field(field)
	if !ok {
		return nil, errors.Wrapf(schema.ErrSchemaViolation, "unknown field %q in query", field)
	}
	if decl.Kind == schema.ID {
		return &Term{Field: field, Term: analysis.Normalize(tok.text)}, nil
	}
	return s.analyzed(field, tok.text)
}

// analyzed runs field text through the analyzer. A single surviving token
// becomes a Term, several become a Phrase preserving the analyzer's position
// gaps, and none drops the clause.
func (s *parseState) analyzed(field, text string) (Query, error) {
	tokens := s.parser.Analyzer.Analyze(text)
	switch len(tokens) {
	case 0:
		return nil, nil
	case 1:
		return &Term{Field: field, Term: tokens[0].Term}, nil
	}
	terms := make([]string, len(tokens))
	positions := make([]int, len(tokens))
	for i, t := range tokens {
		terms[i] = t.Term
		positions[i] = t.Position - tokens[0].Position
	}
	return &Phrase{Field: field, Terms: terms, Positions: positions}, nil
}
