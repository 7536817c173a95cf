package index

import (
	"log"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/vfs"
)

// Merge describes one merge operation, resulting in one new segment.
type Merge struct {
	Segments []*Segment
	Score    float64
	Size     int64
}

// TieredMergePolicy is an adaptation of the algorithm from Lucene's
// TieredMergePolicy written by Michael McCandless.
//
// https://github.com/apache/lucene-solr/blob/master/lucene/core/src/java/org/apache/lucene/index/TieredMergePolicy.java
type TieredMergePolicy struct {
	// FloorSegmentSize is the smallest segment size we will consider. Segments
	// smaller than this are "rounded up" to this size, ie treated as equal
	// (floor) size for merge selection. This is to prevent frequent flushing
	// of tiny segments from allowing a long tail in the index.
	// Default is 1 MB.
	FloorSegmentSize int64

	// MaxMergedSegmentSize is the maximum size of a segment produced during
	// normal merging. This setting is approximate: the estimate of the merged
	// segment size is made by summing sizes of to-be-merged segments,
	// compensating for percent deleted docs. Default is 2 GB.
	MaxMergedSegmentSize int64

	// MaxMergeAtOnce is the maximum number of segments to be merged at a time
	// during normal merging. Default is 10.
	MaxMergeAtOnce int

	// MaxSegmentsPerTier is the allowed number of segments per tier. Smaller
	// values mean more merging but fewer segments. This should be
	// >= MaxMergeAtOnce otherwise you'll force too much merging to occur.
	// Default is 10.
	MaxSegmentsPerTier int
}

func NewTieredMergePolicy() *TieredMergePolicy {
	return &TieredMergePolicy{
		FloorSegmentSize:     1024 * 1024,
		MaxMergedSegmentSize: 1024 * 1024 * 1024 * 2,
		MaxMergeAtOnce:       10,
		MaxSegmentsPerTier:   10,
	}
}

// liveSize estimates the segment's size with deleted documents reclaimed.
func liveSize(s *Segment) int64 {
	if s.NumDocs() == 0 {
		return s.Size()
	}
	return s.Size() * int64(s.NumLiveDocs()) / int64(s.NumDocs())
}

func (mp *TieredMergePolicy) floorSize(size int64) int64 {
	if size < mp.FloorSegmentSize {
		return mp.FloorSegmentSize
	}
	return size
}

func (mp *TieredMergePolicy) findBestMerge(segments []*Segment, maxSize int64) (bestMerge *Merge) {
	for i := 0; i <= len(segments)-mp.MaxMergeAtOnce; i++ {
		var merge Merge
		var mergeSizeFloored int64
		var hitTooLarge bool
		for j := i; j < len(segments); j++ {
			segment := segments[j]
			size := liveSize(segment)
			if size+merge.Size > maxSize {
				hitTooLarge = true
				continue
			}
			merge.Size += size
			mergeSizeFloored += mp.floorSize(size)
			merge.Segments = append(merge.Segments, segment)
			if len(merge.Segments) >= mp.MaxMergeAtOnce {
				break
			}
		}
		if len(merge.Segments) < 2 {
			continue
		}

		var skew float64
		if hitTooLarge {
			skew = 1.0 / float64(mp.MaxMergeAtOnce)
		} else {
			skew = float64(mp.floorSize(liveSize(merge.Segments[0]))) / float64(mergeSizeFloored)
		}
		merge.Score = skew * math.Pow(float64(merge.Size), 0.05)

		if bestMerge == nil || merge.Score < bestMerge.Score {
			m := merge
			bestMerge = &m
		}
	}
	return
}

// FindMerges selects the merge operations that bring the segment set back
// under the tier budget. A zero maxSize uses MaxMergedSegmentSize.
func (mp *TieredMergePolicy) FindMerges(origSegments []*Segment, maxSize int64) (merges []*Merge) {
	if maxSize == 0 {
		maxSize = mp.MaxMergedSegmentSize
	}

	// Filter out segments that are over-sized, we could not potentially
	// merge them.
	segments := make([]*Segment, 0, len(origSegments))
	for _, segment := range origSegments {
		if liveSize(segment) <= maxSize/2 {
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return nil
	}

	// Sort segments by their size in decreasing order.
	sort.Slice(segments, func(i, j int) bool { return liveSize(segments[i]) >= liveSize(segments[j]) })

	// Compute the max allowed segments in the index considering the merge
	// policy options.
	var allowedSegmentCount int
	var remainingSize int64
	for _, segment := range segments {
		remainingSize += liveSize(segment)
	}
	levelSize := mp.floorSize(liveSize(segments[len(segments)-1]))
	for {
		levelSegmentCount := int((remainingSize + levelSize - 1) / levelSize)
		if levelSegmentCount < mp.MaxSegmentsPerTier {
			allowedSegmentCount += levelSegmentCount
			break
		}
		allowedSegmentCount += mp.MaxSegmentsPerTier
		remainingSize -= int64(mp.MaxSegmentsPerTier) * levelSize
		levelSize *= int64(mp.MaxMergeAtOnce)
	}

	// Find possible merges until we run out of candidates.
	for len(segments) > allowedSegmentCount {
		merge := mp.findBestMerge(segments, maxSize)
		if merge == nil {
			break
		}
		merges = append(merges, merge)

		// Remove the merged segments from the list of candidates to be
		// merged next.
		remove := make(map[SegmentID]bool, len(merge.Segments))
		for _, segment := range merge.Segments {
			remove[segment.ID] = true
		}
		i := 0
		for _, segment := range segments {
			if !remove[segment.ID] {
				segments[i] = segment
				i++
			}
		}
		segments = segments[:i]
	}

	return
}

// MergeSegments rewrites the live documents of the input segments into one
// new segment. Document ids are global, so postings carry over unchanged;
// deleted documents are dropped and their space reclaimed.
func MergeSegments(d vfs.Dir, id SegmentID, segments []*Segment) (*Segment, error) {
	data := newSegmentData()
	for _, segment := range segments {
		for _, entry := range segment.dict {
			postings, err := segment.readPostings(entry)
			if err != nil {
				return nil, err
			}
			ref := TermRef{Field: entry.Field, Term: entry.Term}
			for _, p := range postings {
				if segment.IsDeleted(p.DocID) {
					continue
				}
				data.addPosting(ref, p)
			}
		}

		var iterErr error
		segment.LiveDocs().Iterate(func(docID uint32) bool {
			fields, err := segment.StoredFields(docID)
			if err != nil && errors.Cause(err) != ErrDocNotFound {
				iterErr = err
				return false
			}
			data.addDoc(docID, fields)
			return true
		})
		if iterErr != nil {
			return nil, iterErr
		}
	}
	return CreateSegment(d, id, data)
}

// Merge runs one round of the merge policy over the current segment set and
// applies the selected merges. It is safe to call concurrently with readers;
// it takes the writer slot while publishing, so it serializes with write
// transactions. Fails with ErrClosed once the index is closed.
func (ix *Index) Merge() error {
	if ix.isClosed() {
		return ErrClosed
	}
	m := ix.currentManifest()
	merges := ix.opts.mergePolicy().FindMerges(m.Segments, 0)
	for _, merge := range merges {
		if err := ix.applyMerge(merge); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) applyMerge(merge *Merge) error {
	if ix.isClosed() {
		return ErrClosed
	}

	// The merged segment is built from a snapshot without holding any lock,
	// so concurrent commits proceed while the heavy work runs.
	merged, err := MergeSegments(ix.dir, ix.nextSegmentID(), merge.Segments)
	if err != nil {
		return errors.Wrap(err, "failed to build merged segment")
	}
	discard := func() {
		merged.Close()
		merged.Remove(ix.dir)
	}

	ix.writerSlot <- struct{}{}
	defer ix.releaseWriter()

	m := ix.currentManifest().Clone()

	// The segment set may have changed while the merge was built. Abort if
	// any input vanished (merged away concurrently); otherwise carry over
	// deletions committed since the snapshot, which is safe because the
	// merged segment keeps the original document ids.
	current := make(map[SegmentID]*Segment, len(m.Segments))
	for _, segment := range m.Segments {
		current[segment.ID] = segment
	}
	for _, input := range merge.Segments {
		segment, ok := current[input.ID]
		if !ok {
			log.Printf("aborting merge, segment %v is no longer current", input.ID)
			discard()
			return nil
		}
		if segment.deleted != nil {
			merged.DeleteMulti(segment.deleted)
		}
	}

	for _, input := range merge.Segments {
		m.RemoveSegment(input)
	}
	m.AddSegment(merged)
	m.UpdateStats()

	if err := ix.commit(m); err != nil {
		discard()
		return err
	}

	log.Printf("merged %d segments into segment %v (docs=%v)",
		len(merge.Segments), merged.ID, merged.NumDocs())

	// TODO: remove the merged-away segment files once no live snapshot can
	// still reference them.
	return nil
}
