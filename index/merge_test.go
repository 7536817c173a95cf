package index

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-ferret/ferret/vfs"
)

func TestTieredMergePolicy_FindMerges(t *testing.T) {
	mp := NewTieredMergePolicy()

	var segments []*Segment
	for i := 0; i < 20; i++ {
		segments = append(segments, &Segment{
			ID:   NewSegmentID(uint32(i+1), 1),
			Meta: SegmentMeta{NumDocs: 100, Size: 1024 * 1024},
		})
	}

	merges := mp.FindMerges(segments, 0)
	require.Len(t, merges, 1)
	assert.Len(t, merges[0].Segments, mp.MaxMergeAtOnce)
}

func TestTieredMergePolicy_FewSegments(t *testing.T) {
	mp := NewTieredMergePolicy()

	var segments []*Segment
	for i := 0; i < 3; i++ {
		segments = append(segments, &Segment{
			ID:   NewSegmentID(uint32(i+1), 1),
			Meta: SegmentMeta{NumDocs: 100, Size: 1024 * 1024},
		})
	}

	assert.Empty(t, mp.FindMerges(segments, 0))
}

func TestMergeSegments(t *testing.T) {
	d := vfs.NewMemDir()

	data1 := newSegmentData()
	data1.addPosting(TermRef{Field: "content", Term: "apple"}, Posting{DocID: 1, Freq: 1, Positions: []uint32{0}})
	data1.addPosting(TermRef{Field: "content", Term: "banana"}, Posting{DocID: 2, Freq: 1, Positions: []uint32{0}})
	data1.addDoc(1, map[string]string{"path": "/one"})
	data1.addDoc(2, map[string]string{"path": "/two"})
	s1, err := CreateSegment(d, NewSegmentID(1, 1), data1)
	require.NoError(t, err)

	data2 := newSegmentData()
	data2.addPosting(TermRef{Field: "content", Term: "apple"}, Posting{DocID: 3, Freq: 2, Positions: []uint32{0, 4}})
	data2.addDoc(3, map[string]string{"path": "/three"})
	s2, err := CreateSegment(d, NewSegmentID(2, 1), data2)
	require.NoError(t, err)

	s1 = s1.Clone()
	require.True(t, s1.Delete(2))

	merged, err := MergeSegments(d, NewSegmentID(3, 1), []*Segment{s1, s2})
	require.NoError(t, err)

	assert.Equal(t, 2, merged.NumDocs())
	assert.Equal(t, 0, merged.NumDeletedDocs())
	assert.True(t, merged.Contains(1))
	assert.False(t, merged.Contains(2))
	assert.True(t, merged.Contains(3))

	postings, err := merged.Postings("content", "apple")
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, uint32(1), postings[0].DocID)
	assert.Equal(t, uint32(3), postings[1].DocID)
	assert.Equal(t, []uint32{0, 4}, postings[1].Positions)

	gone, err := merged.Postings("content", "banana")
	require.NoError(t, err)
	assert.Empty(t, gone)

	fields, err := merged.StoredFields(3)
	require.NoError(t, err)
	assert.Equal(t, "/three", fields["path"])
}

func TestIndex_Merge(t *testing.T) {
	ix := testIndex(t, Options{})
	addDocs(t, ix, docA)
	addDocs(t, ix, docB)
	addDocs(t, ix, docC)
	deleteDoc(t, ix, "/b")
	require.Equal(t, 3, ix.Stats().NumSegments)

	merge := &Merge{Segments: ix.currentManifest().Segments}
	require.NoError(t, ix.applyMerge(merge))

	stats := ix.Stats()
	assert.Equal(t, 1, stats.NumSegments)
	assert.Equal(t, 2, stats.NumDocs)
	assert.Equal(t, 0, stats.NumDeletedDocs)

	assert.Equal(t, []string{"/a", "/c"}, searchKeys(t, ix, "document"))
	assert.Equal(t, []string{"/c"}, searchKeys(t, ix, `"third document"`))
}

func TestIndex_MergeAbortsOnStaleInput(t *testing.T) {
	ix := testIndex(t, Options{})
	addDocs(t, ix, docA)
	addDocs(t, ix, docB)

	// A segment that was merged away concurrently is no longer in the
	// manifest; the merge must abort without changing the published state.
	staleData := newSegmentData()
	staleData.addDoc(99, map[string]string{"path": "/stale"})
	stale, err := CreateSegment(vfs.NewMemDir(), NewSegmentID(999, 1), staleData)
	require.NoError(t, err)

	current := ix.currentManifest().Segments[0]
	generation := ix.Stats().Generation

	merge := &Merge{Segments: []*Segment{current, stale}}
	require.NoError(t, ix.applyMerge(merge))

	assert.Equal(t, 2, ix.Stats().NumSegments)
	assert.Equal(t, generation, ix.Stats().Generation)
	assert.Equal(t, []string{"/a", "/b"}, searchKeys(t, ix, "document"))
}

func TestIndex_CommitsDuringAutoMerge(t *testing.T) {
	ix := testIndex(t, Options{
		WriterWait: true,
		AutoMerge:  true,
		MergePolicy: &TieredMergePolicy{
			FloorSegmentSize:     1,
			MaxMergedSegmentSize: 1024 * 1024,
			MaxMergeAtOnce:       2,
			MaxSegmentsPerTier:   1,
		},
	})

	// A steady stream of single-document commits keeps the background merge
	// goroutine reading the directory while the writer publishes to it.
	for i := 0; i < 30; i++ {
		addDocs(t, ix, Document{
			"title":   "Streamed document",
			"content": fmt.Sprintf("body number %d", i),
			"path":    fmt.Sprintf("/s/%d", i),
		})
	}

	assert.Len(t, searchKeys(t, ix, "document"), 30)
	require.NoError(t, ix.Close())
}

func TestIndex_MergeAfterClose(t *testing.T) {
	d := vfs.NewMemDir()
	ix, err := Create(d, testSchema(t), Options{})
	require.NoError(t, err)
	addDocs(t, ix, docA)
	addDocs(t, ix, docB)

	before, err := d.ListFiles()
	require.NoError(t, err)

	merge := &Merge{Segments: ix.currentManifest().Segments}
	require.NoError(t, ix.Close())

	assert.ErrorIs(t, ix.applyMerge(merge), ErrClosed)
	assert.ErrorIs(t, ix.Merge(), ErrClosed)

	// No merged segment was built or left behind.
	after, err := d.ListFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
}

func TestIndex_AutoMerge(t *testing.T) {
	ix := testIndex(t, Options{
		AutoMerge: true,
		MergePolicy: &TieredMergePolicy{
			FloorSegmentSize:     1,
			MaxMergedSegmentSize: 1024 * 1024,
			MaxMergeAtOnce:       2,
			MaxSegmentsPerTier:   1,
		},
	})
	for i := 0; i < 4; i++ {
		addDocs(t, ix, Document{
			"title":   "Merge target document",
			"content": fmt.Sprintf("filler number %d", i),
			"path":    fmt.Sprintf("/m/%d", i),
		})
	}

	assert.Eventually(t, func() bool {
		return ix.Stats().NumSegments < 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, searchKeys(t, ix, "document"), 4)
}
