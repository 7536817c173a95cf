package index

import (
	"go4.org/syncutil"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/schema"
)

// Snapshot is a consistent read-only view of the index at one generation.
// It is immutable and safe for unbounded concurrent readers; commits made
// after it was acquired are invisible to it.
type Snapshot struct {
	manifest *Manifest
	analyzer analysis.Analyzer
	close    syncutil.Once
}

// Generation returns the manifest id this snapshot observes.
func (s *Snapshot) Generation() uint32 {
	return s.manifest.ID
}

// NumDocs returns the number of live documents visible to the snapshot.
func (s *Snapshot) NumDocs() int {
	return s.manifest.NumLiveDocs()
}

// Schema returns the schema of the snapshot's index.
func (s *Snapshot) Schema() *schema.Schema {
	return s.manifest.Schema
}

// Analyzer returns the analysis pipeline of the snapshot's index, so that
// callers can highlight stored values consistently with indexing.
func (s *Snapshot) Analyzer() analysis.Analyzer {
	return s.analyzer
}

// Segments returns the snapshot's segment set in manifest order.
func (s *Snapshot) Segments() []*Segment {
	return s.manifest.Segments
}

// Close releases the snapshot. Idempotent.
func (s *Snapshot) Close() error {
	return s.close.Do(func() error { return nil })
}
