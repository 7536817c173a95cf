// Package query compiles query strings into an immutable tree of query nodes.
// The tree is built once by Parse and consumed by the index evaluator.
package query

import (
	"fmt"
	"strings"
)

// Query is one node of the compiled query tree.
type Query interface {
	String() string
}

// Term matches documents containing a single normalized term in a field.
type Term struct {
	Field string
	Term  string
}

func (q *Term) String() string { return fmt.Sprintf("%s:%s", q.Field, q.Term) }

// Phrase matches documents where the terms occur at the given relative
// positions. Positions come from the analyzer, so a removed stop word leaves
// a gap the document must reproduce.
type Phrase struct {
	Field     string
	Terms     []string
	Positions []int
}

func (q *Phrase) String() string {
	return fmt.Sprintf("%s:%q", q.Field, strings.Join(q.Terms, " "))
}

// And matches documents matched by every sub-query. An And with no
// sub-queries matches nothing.
type And struct {
	Subs []Query
}

func (q *And) String() string { return joinSubs(q.Subs, " AND ") }

// Or matches documents matched by at least one sub-query. An Or with no
// sub-queries matches nothing.
type Or struct {
	Subs []Query
}

func (q *Or) String() string { return joinSubs(q.Subs, " OR ") }

// Not matches live documents not matched by the sub-query.
type Not struct {
	Sub Query
}

func (q *Not) String() string { return "NOT " + q.Sub.String() }

// Wildcard matches documents containing any dictionary term that matches the
// pattern. '*' matches any run of characters. A pattern with a literal
// prefix is resolved against the sorted dictionary range; other patterns
// scan the whole dictionary.
type Wildcard struct {
	Field   string
	Pattern string
}

func (q *Wildcard) String() string { return fmt.Sprintf("%s:%s", q.Field, q.Pattern) }

// Fuzzy matches documents containing any dictionary term within the given
// Levenshtein distance of the term.
type Fuzzy struct {
	Field    string
	Term     string
	Distance int
}

func (q *Fuzzy) String() string { return fmt.Sprintf("%s:%s~%d", q.Field, q.Term, q.Distance) }

// Field scopes a parenthesized sub-query to one field.
type Field struct {
	Name string
	Sub  Query
}

func (q *Field) String() string { return fmt.Sprintf("%s:(%s)", q.Name, q.Sub) }

func joinSubs(subs []Query, sep string) string {
	parts := make([]string, len(subs))
	for i, sub := range subs {
		parts[i] = sub.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// TermSet collects the literal terms of the tree, grouped by field. It feeds
// the highlighter; wildcard patterns are not expanded here because expansion
// needs a term dictionary.
func TermSet(q Query) map[string][]string {
	set := make(map[string][]string)
	collectTerms(q, set)
	return set
}

func collectTerms(q Query, set map[string][]string) {
	switch q := q.(type) {
	case *Term:
		set[q.Field] = append(set[q.Field], q.Term)
	case *Phrase:
		set[q.Field] = append(set[q.Field], q.Terms...)
	case *Fuzzy:
		set[q.Field] = append(set[q.Field], q.Term)
	case *And:
		for _, sub := range q.Subs {
			collectTerms(sub, set)
		}
	case *Or:
		for _, sub := range q.Subs {
			collectTerms(sub, set)
		}
	case *Field:
		collectTerms(q.Sub, set)
	case *Not:
		// Negated terms do not contribute highlights.
	}
}
