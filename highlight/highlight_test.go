package highlight

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/query"
	"github.com/go-ferret/ferret/schema"
)

func testQuery(t *testing.T, input string) query.Query {
	s, err := schema.New(
		schema.Field{Name: "content", Kind: schema.Text, Stored: true},
	)
	require.NoError(t, err)
	q, err := query.Parse(input, "content", s, analysis.NewDefault())
	require.NoError(t, err)
	return q
}

func TestFragments_Marks(t *testing.T) {
	q := testQuery(t, "document")
	got := Fragments("a short document", q, "content", analysis.NewDefault(), Options{})
	assert.Equal(t, "a short <b>document</b>", got)
}

func TestFragments_StemAware(t *testing.T) {
	q := testQuery(t, "running")
	got := Fragments("he runs daily", q, "content", analysis.NewDefault(), Options{})
	assert.Equal(t, "he <b>runs</b> daily", got)

	// A raw substring hit without a token match must not be marked.
	got = Fragments("undocumented behavior", testQuery(t, "document"), "content", analysis.NewDefault(), Options{})
	assert.Equal(t, "undocumented behavior", got)
}

func TestFragments_OtherField(t *testing.T) {
	q := testQuery(t, "document")
	got := Fragments("a short document", q, "title", analysis.NewDefault(), Options{})
	assert.Equal(t, "a short document", got)
}

func TestFragments_Window(t *testing.T) {
	filler := strings.Repeat("filler words without relevance ", 20)
	value := filler + "the matching document sits here" + filler

	q := testQuery(t, "document")
	got := Fragments(value, q, "content", analysis.NewDefault(), Options{MaxLength: 80})

	assert.Contains(t, got, "<b>document</b>")
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Less(t, len(got), 80+len("<b></b>")+2*len("..."))
}

func TestFragments_NoMatchTruncates(t *testing.T) {
	value := strings.Repeat("plain text ", 50)
	q := testQuery(t, "absent")
	got := Fragments(value, q, "content", analysis.NewDefault(), Options{MaxLength: 40})

	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 40+len("..."))
}

func TestFragments_TagFormatter(t *testing.T) {
	q := testQuery(t, "document")
	opts := Options{Formatter: TagFormatter("em", "hit")}
	got := Fragments("one document", q, "content", analysis.NewDefault(), opts)
	assert.Equal(t, `one <em class="hit">document</em>`, got)
}

func TestFragments_MultipleMatches(t *testing.T) {
	q := testQuery(t, "document OR text")
	got := Fragments("document with text inside", q, "content", analysis.NewDefault(), Options{})
	assert.Equal(t, "<b>document</b> with <b>text</b> inside", got)
}
