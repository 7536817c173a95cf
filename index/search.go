package index

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/query"
	"github.com/go-ferret/ferret/schema"
)

type searchOptions struct {
	limit     int
	skip      int
	sortField string
	sortDesc  bool
}

type SearchOption func(*searchOptions)

// Limit caps the number of hits returned. Zero means unbounded.
func Limit(n int) SearchOption {
	return func(o *searchOptions) { o.limit = n }
}

// Skip drops the first n ranked hits, for pagination.
func Skip(n int) SearchOption {
	return func(o *searchOptions) { o.skip = n }
}

// SortBy orders hits by a sortable stored field instead of relevance.
// Scores are still computed and reported.
func SortBy(field string, desc bool) SearchOption {
	return func(o *searchOptions) {
		o.sortField = field
		o.sortDesc = desc
	}
}

// Hit is one ranked search result.
type Hit struct {
	// Key is the document's unique identifier value, empty if the schema
	// has no unique field.
	Key string `json:"key"`

	Score float64 `json:"score"`

	// Fields holds the stored field values.
	Fields map[string]string `json:"fields"`
}

type match struct {
	docID     uint32
	score     float64
	segment   *Segment
	sortValue string
}

// Results is the ranked result sequence of one Search call. Ranking is
// computed up front over compact (docID, score) pairs; stored fields are
// read lazily as hits are consumed, so abandoning the sequence early does
// not pay for unread documents.
type Results struct {
	snapshot *Snapshot
	matches  []match
	total    int
	pos      int
}

// Total returns the number of matches before Skip and Limit were applied.
func (r *Results) Total() int { return r.total }

// Len returns the number of consumable hits.
func (r *Results) Len() int { return len(r.matches) }

// Next materializes the next hit, or nil when the sequence is exhausted.
func (r *Results) Next() (*Hit, error) {
	if r.pos >= len(r.matches) {
		return nil, nil
	}
	m := r.matches[r.pos]
	r.pos++

	fields, err := m.segment.StoredFields(m.docID)
	if err != nil {
		if errors.Cause(err) != ErrDocNotFound {
			return nil, err
		}
		fields = map[string]string{}
	}
	hit := &Hit{Score: m.score, Fields: fields}
	if key, ok := r.snapshot.manifest.Schema.KeyField(); ok {
		hit.Key = fields[key.Name]
	}
	return hit, nil
}

// All drains the remaining sequence.
func (r *Results) All() ([]*Hit, error) {
	hits := make([]*Hit, 0, len(r.matches)-r.pos)
	for {
		hit, err := r.Next()
		if err != nil {
			return nil, err
		}
		if hit == nil {
			return hits, nil
		}
		hits = append(hits, hit)
	}
}

// Search evaluates a query tree against the snapshot and returns a ranked,
// deduplicated result sequence. Evaluation is deterministic: the same tree
// against the same snapshot yields identical ordered results. An empty index
// or a wildcard matching no terms yields zero hits, not an error.
func (s *Snapshot) Search(q query.Query, opts ...SearchOption) (*Results, error) {
	var o searchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.sortField != "" {
		decl, ok := s.manifest.Schema.Field(o.sortField)
		if !ok || !decl.Sortable {
			return nil, errors.Wrapf(schema.ErrSchemaViolation, "field %q is not sortable", o.sortField)
		}
	}

	ev := &evaluator{
		snapshot: s,
		numDocs:  s.manifest.NumLiveDocs(),
		docFreqs: make(map[TermRef]int),
	}
	ev.collectDocFreqs(q)

	var matches []match
	for _, segment := range s.manifest.Segments {
		scored, err := ev.evalSegment(segment, q)
		if err != nil {
			return nil, err
		}
		for _, sc := range scored {
			matches = append(matches, match{docID: sc.docID, score: sc.score, segment: segment})
		}
	}

	if o.sortField != "" {
		for i := range matches {
			fields, err := matches[i].segment.StoredFields(matches[i].docID)
			if err != nil && errors.Cause(err) != ErrDocNotFound {
				return nil, err
			}
			matches[i].sortValue = fields[o.sortField]
		}
		sort.Slice(matches, func(i, j int) bool {
			a, b := matches[i], matches[j]
			if a.sortValue != b.sortValue {
				if o.sortDesc {
					return a.sortValue > b.sortValue
				}
				return a.sortValue < b.sortValue
			}
			return a.docID < b.docID
		})
	} else {
		sort.Slice(matches, func(i, j int) bool {
			a, b := matches[i], matches[j]
			if a.score != b.score {
				return a.score > b.score
			}
			return a.docID < b.docID
		})
	}

	total := len(matches)
	if o.skip > 0 {
		if o.skip >= len(matches) {
			matches = nil
		} else {
			matches = matches[o.skip:]
		}
	}
	if o.limit > 0 && len(matches) > o.limit {
		matches = matches[:o.limit]
	}

	return &Results{snapshot: s, matches: matches, total: total}, nil
}

type scored struct {
	docID uint32
	score float64
}

type evaluator struct {
	snapshot *Snapshot
	numDocs  int
	docFreqs map[TermRef]int
}

// collectDocFreqs gathers corpus-wide document frequencies for the scored
// term leaves of the tree. Deleted documents are still counted; the skew is
// negligible and vanishes at the next merge.
func (ev *evaluator) collectDocFreqs(q query.Query) {
	switch q := q.(type) {
	case *query.Term:
		ev.addDocFreq(TermRef{Field: q.Field, Term: q.Term})
	case *query.Phrase:
		for _, term := range q.Terms {
			ev.addDocFreq(TermRef{Field: q.Field, Term: term})
		}
	case *query.And:
		for _, sub := range q.Subs {
			ev.collectDocFreqs(sub)
		}
	case *query.Or:
		for _, sub := range q.Subs {
			ev.collectDocFreqs(sub)
		}
	case *query.Not:
		ev.collectDocFreqs(q.Sub)
	case *query.Field:
		ev.collectDocFreqs(q.Sub)
	}
}

func (ev *evaluator) addDocFreq(ref TermRef) {
	if _, done := ev.docFreqs[ref]; done {
		return
	}
	df := 0
	for _, segment := range ev.snapshot.manifest.Segments {
		df += segment.DocFreq(ref.Field, ref.Term)
	}
	ev.docFreqs[ref] = df
}

func (ev *evaluator) idf(ref TermRef) float64 {
	df := ev.docFreqs[ref]
	if df == 0 {
		return 0
	}
	n := float64(ev.numDocs)
	return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
}

func tfWeight(freq uint32) float64 {
	return 1 + math.Log(float64(freq))
}

// evalSegment resolves the query tree to a (docID, score) list for one
// segment, in ascending docID order with deleted documents filtered out.
func (ev *evaluator) evalSegment(s *Segment, q query.Query) ([]scored, error) {
	switch q := q.(type) {
	case *query.Term:
		return ev.evalTerm(s, q.Field, q.Term)

	case *query.Phrase:
		return ev.evalPhrase(s, q)

	case *query.And:
		return ev.evalAnd(s, q.Subs)

	case *query.Or:
		var result []scored
		for _, sub := range q.Subs {
			list, err := ev.evalSegment(s, sub)
			if err != nil {
				return nil, err
			}
			result = unionScored(result, list)
		}
		return result, nil

	case *query.Not:
		list, err := ev.evalSegment(s, q.Sub)
		if err != nil {
			return nil, err
		}
		return differenceScored(ev.liveScored(s), list), nil

	case *query.Field:
		return ev.evalSegment(s, q.Sub)

	case *query.Wildcard:
		matcher, err := wildcardMatcher(q.Pattern)
		if err != nil {
			return nil, err
		}
		if prefix, ok := wildcardPrefix(q.Pattern); ok {
			return ev.evalExpansion(s, s.PrefixTerms(q.Field, prefix))
		}
		return ev.evalExpansion(s, s.MatchTerms(q.Field, matcher))

	case *query.Fuzzy:
		return ev.evalExpansion(s, s.MatchTerms(q.Field, func(term string) bool {
			return editDistanceWithin(q.Term, term, q.Distance)
		}))
	}
	return nil, errors.Errorf("unsupported query node %T", q)
}

func (ev *evaluator) evalTerm(s *Segment, field, term string) ([]scored, error) {
	ref := TermRef{Field: field, Term: term}
	postings, err := s.Postings(field, term)
	if err != nil {
		return nil, err
	}
	idf := ev.idf(ref)
	result := make([]scored, 0, len(postings))
	for _, p := range postings {
		if s.IsDeleted(p.DocID) {
			continue
		}
		result = append(result, scored{docID: p.DocID, score: tfWeight(p.Freq) * idf})
	}
	return result, nil
}

func (ev *evaluator) evalAnd(s *Segment, subs []query.Query) ([]scored, error) {
	// Negated children become ordered set-differences instead of
	// materializing the complement of the live document set.
	var positives, negatives []query.Query
	for _, sub := range subs {
		if not, ok := sub.(*query.Not); ok {
			negatives = append(negatives, not.Sub)
		} else {
			positives = append(positives, sub)
		}
	}
	if len(positives) == 0 && len(negatives) == 0 {
		return nil, nil
	}

	var result []scored
	if len(positives) == 0 {
		result = ev.liveScored(s)
	} else {
		for i, sub := range positives {
			list, err := ev.evalSegment(s, sub)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				result = list
			} else {
				result = intersectScored(result, list)
			}
			if len(result) == 0 {
				return nil, nil
			}
		}
	}
	for _, sub := range negatives {
		list, err := ev.evalSegment(s, sub)
		if err != nil {
			return nil, err
		}
		result = differenceScored(result, list)
		if len(result) == 0 {
			return nil, nil
		}
	}
	return result, nil
}

func (ev *evaluator) evalPhrase(s *Segment, q *query.Phrase) ([]scored, error) {
	lists := make([][]Posting, len(q.Terms))
	for i, term := range q.Terms {
		postings, err := s.Postings(q.Field, term)
		if err != nil {
			return nil, err
		}
		if len(postings) == 0 {
			return nil, nil
		}
		lists[i] = postings
	}

	var idfSum float64
	for _, term := range q.Terms {
		idfSum += ev.idf(TermRef{Field: q.Field, Term: term})
	}

	var result []scored
	cursors := make([]int, len(lists))
	for _, first := range lists[0] {
		if s.IsDeleted(first.DocID) {
			continue
		}
		aligned := make([]*Posting, len(lists))
		aligned[0] = &first
		found := true
		for i := 1; i < len(lists); i++ {
			for cursors[i] < len(lists[i]) && lists[i][cursors[i]].DocID < first.DocID {
				cursors[i]++
			}
			if cursors[i] >= len(lists[i]) || lists[i][cursors[i]].DocID != first.DocID {
				found = false
				break
			}
			aligned[i] = &lists[i][cursors[i]]
		}
		if !found {
			continue
		}

		occurrences := countPhraseOccurrences(aligned, q.Positions)
		if occurrences == 0 {
			continue
		}
		result = append(result, scored{
			docID: first.DocID,
			score: tfWeight(uint32(occurrences)) * idfSum,
		})
	}
	return result, nil
}

// countPhraseOccurrences counts base positions where every term appears at
// its expected relative offset. Offsets come from the analyzer, so stop-word
// gaps in the query must be reproduced by the document.
func countPhraseOccurrences(aligned []*Posting, offsets []int) int {
	count := 0
	for _, base := range aligned[0].Positions {
		ok := true
		for i := 1; i < len(aligned); i++ {
			want := base + uint32(offsets[i]-offsets[0])
			if !containsPosition(aligned[i].Positions, want) {
				ok = false
				break
			}
		}
		if ok {
			count++
		}
	}
	return count
}

func containsPosition(positions []uint32, want uint32) bool {
	i := sort.Search(len(positions), func(i int) bool { return positions[i] >= want })
	return i < len(positions) && positions[i] == want
}

// evalExpansion unions the postings of dictionary-expanded terms. Expanded
// matches score a constant 1 per document, the way constant-score multi-term
// queries usually behave.
func (ev *evaluator) evalExpansion(s *Segment, entries []dictEntry) ([]scored, error) {
	var result []scored
	for _, entry := range entries {
		postings, err := s.readPostings(entry)
		if err != nil {
			return nil, err
		}
		list := make([]scored, 0, len(postings))
		for _, p := range postings {
			if s.IsDeleted(p.DocID) {
				continue
			}
			list = append(list, scored{docID: p.DocID, score: 1})
		}
		result = unionScoredConst(result, list)
	}
	return result, nil
}

func (ev *evaluator) liveScored(s *Segment) []scored {
	live := s.LiveDocs()
	result := make([]scored, 0, live.GetCardinality())
	live.Iterate(func(docID uint32) bool {
		result = append(result, scored{docID: docID})
		return true
	})
	return result
}

func unionScored(a, b []scored) []scored {
	return mergeScored(a, b, func(sa, sb float64) float64 { return sa + sb })
}

// unionScoredConst unions two constant-scored lists without accumulating
// duplicate-term scores.
func unionScoredConst(a, b []scored) []scored {
	return mergeScored(a, b, func(sa, sb float64) float64 { return 1 })
}

func mergeScored(a, b []scored, combine func(float64, float64) float64) []scored {
	result := make([]scored, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].docID < b[j].docID:
			result = append(result, a[i])
			i++
		case a[i].docID > b[j].docID:
			result = append(result, b[j])
			j++
		default:
			result = append(result, scored{docID: a[i].docID, score: combine(a[i].score, b[j].score)})
			i++
			j++
		}
	}
	result = append(result, a[i:]...)
	result = append(result, b[j:]...)
	return result
}

func intersectScored(a, b []scored) []scored {
	var result []scored
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].docID < b[j].docID:
			i++
		case a[i].docID > b[j].docID:
			j++
		default:
			result = append(result, scored{docID: a[i].docID, score: a[i].score + b[j].score})
			i++
			j++
		}
	}
	return result
}

func differenceScored(a, b []scored) []scored {
	var result []scored
	j := 0
	for _, sa := range a {
		for j < len(b) && b[j].docID < sa.docID {
			j++
		}
		if j < len(b) && b[j].docID == sa.docID {
			continue
		}
		result = append(result, sa)
	}
	return result
}

// wildcardPrefix reports whether the pattern is a pure prefix pattern
// ("pre*") that can use the sorted dictionary instead of a full scan.
func wildcardPrefix(pattern string) (string, bool) {
	if strings.Count(pattern, "*") == 1 && strings.HasSuffix(pattern, "*") && !strings.Contains(pattern, "?") {
		return pattern[:len(pattern)-1], true
	}
	return "", false
}

// wildcardMatcher compiles a glob pattern ('*' and '?') into a term matcher.
func wildcardMatcher(pattern string) (func(string) bool, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid wildcard pattern %q", pattern)
	}
	return re.MatchString, nil
}

// editDistanceWithin reports whether the Levenshtein distance between two
// terms is at most max, bailing out as early as possible.
func editDistanceWithin(a, b string, max int) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra)-len(rb) > max || len(rb)-len(ra) > max {
		return false
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		best := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < best {
				best = curr[j]
			}
		}
		if best > max {
			return false
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)] <= max
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
