// Package index implements a durable, segmented full-text index: schema
// declaration, transactional document writes, consistent snapshots, query
// evaluation with relevance ranking, and background segment merging.
//
// The index is a set of immutable segment files described by a manifest.
// Readers load the current manifest through an atomic pointer and never take
// a lock; the commit path is the only mutation point and replaces the
// manifest wholesale.
package index

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/schema"
	"github.com/go-ferret/ferret/vfs"
)

// Options configures an index handle. The zero value is usable.
type Options struct {
	// Analyzer overrides the default analysis pipeline. It must match the
	// pipeline the index was written with.
	Analyzer analysis.Analyzer

	// WriterWait makes Index.Writer block until the active writer finishes
	// instead of failing with ErrWriterBusy.
	WriterWait bool

	// AutoMerge runs the merge policy in the background after each commit.
	AutoMerge bool

	// MergePolicy overrides the default tiered merge policy.
	MergePolicy *TieredMergePolicy
}

func (o Options) analyzer() analysis.Analyzer {
	if o.Analyzer != nil {
		return o.Analyzer
	}
	return analysis.NewDefault()
}

func (o Options) mergePolicy() *TieredMergePolicy {
	if o.MergePolicy != nil {
		return o.MergePolicy
	}
	return NewTieredMergePolicy()
}

// Index is a handle on one index directory. It is safe for concurrent use;
// reads are lock-free and at most one writer is active at a time.
type Index struct {
	dir      vfs.Dir
	opts     Options
	txid     uint32
	manifest atomic.Value

	mu     sync.Mutex
	closed bool

	writerSlot chan struct{}
	mergeChan  chan struct{}
	mergeDone  chan struct{}
}

// Create initializes a new index in an empty directory. It fails with
// ErrIndexExists if the directory already contains any files, whether they
// belong to an index or not.
func Create(d vfs.Dir, s *schema.Schema, opts Options) (*Index, error) {
	files, err := d.ListFiles()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list the index directory")
	}
	if len(files) > 0 {
		return nil, ErrIndexExists
	}

	manifest := &Manifest{ID: 1, NextDocID: 1, Schema: s}
	if err := manifest.Save(d); err != nil {
		return nil, errors.Wrap(err, "failed to save the manifest")
	}
	return newIndex(d, manifest, opts), nil
}

// Open opens an existing index. It fails with ErrCorruptOrMissing if the
// directory does not contain a readable manifest and segment set; the stored
// schema is recovered from the manifest.
func Open(d vfs.Dir, opts Options) (*Index, error) {
	var manifest Manifest
	if err := manifest.Load(d); err != nil {
		return nil, errors.WithMessagef(ErrCorruptOrMissing, "%v", err)
	}

	for _, segment := range manifest.Segments {
		if err := segment.Open(d); err != nil {
			return nil, errors.WithMessagef(ErrCorruptOrMissing, "failed to open segment %v: %v", segment.ID, err)
		}
	}

	return newIndex(d, &manifest, opts), nil
}

func newIndex(d vfs.Dir, manifest *Manifest, opts Options) *Index {
	ix := &Index{
		dir:        d,
		opts:       opts,
		txid:       manifest.ID,
		writerSlot: make(chan struct{}, 1),
	}
	ix.manifest.Store(manifest)
	if opts.AutoMerge {
		ix.mergeChan = make(chan struct{}, 1)
		ix.mergeDone = make(chan struct{})
		go ix.mergeLoop()
	}
	return ix
}

// Schema returns the schema the index was created with.
func (ix *Index) Schema() *schema.Schema {
	return ix.currentManifest().Schema
}

// Analyzer returns the analysis pipeline used for indexing and querying.
func (ix *Index) Analyzer() analysis.Analyzer {
	return ix.opts.analyzer()
}

func (ix *Index) currentManifest() *Manifest {
	return ix.manifest.Load().(*Manifest)
}

func (ix *Index) isClosed() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.closed
}

// Snapshot returns a consistent point-in-time view of the index. Snapshots
// are immutable and safe for unbounded concurrent readers; commits made
// after the snapshot was taken stay invisible to it.
func (ix *Index) Snapshot() *Snapshot {
	return &Snapshot{
		manifest: ix.currentManifest(),
		analyzer: ix.opts.analyzer(),
	}
}

// Writer opens the single write transaction. If another writer is active,
// Writer blocks when the index was opened with WriterWait and fails with
// ErrWriterBusy otherwise.
func (ix *Index) Writer() (*Writer, error) {
	if ix.isClosed() {
		return nil, ErrClosed
	}

	if ix.opts.WriterWait {
		ix.writerSlot <- struct{}{}
	} else {
		select {
		case ix.writerSlot <- struct{}{}:
		default:
			return nil, ErrWriterBusy
		}
	}
	return &Writer{ix: ix}, nil
}

func (ix *Index) releaseWriter() {
	<-ix.writerSlot
}

// Stats reports aggregate counters of the current generation.
type Stats struct {
	Generation     uint32 `json:"generation"`
	NumDocs        int    `json:"num_docs"`
	NumDeletedDocs int    `json:"num_deleted_docs"`
	NumSegments    int    `json:"num_segments"`
}

func (ix *Index) Stats() Stats {
	m := ix.currentManifest()
	return Stats{
		Generation:     m.ID,
		NumDocs:        m.NumLiveDocs(),
		NumDeletedDocs: m.NumDeletedDocs,
		NumSegments:    len(m.Segments),
	}
}

// commit publishes a new manifest: pending segment deletions are persisted,
// the manifest is written atomically, and the in-memory pointer is swapped so
// readers observe either the old or the new generation, never a mix.
func (ix *Index) commit(m *Manifest) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}

	m.ID = atomic.AddUint32(&ix.txid, 1)

	for _, segment := range m.Segments {
		if err := segment.SaveUpdate(ix.dir, m.ID); err != nil {
			m.ID = 0
			return errors.Wrap(err, "failed to save segment update")
		}
	}

	if err := m.Save(ix.dir); err != nil {
		m.ID = 0
		return errors.Wrap(err, "failed to save manifest")
	}

	ix.manifest.Store(m)

	log.Printf("committed transaction %d (docs=%v, deleted=%v, segments=%v)",
		m.ID, m.NumDocs, m.NumDeletedDocs, len(m.Segments))

	ix.notifyMerge()
	return nil
}

func (ix *Index) nextSegmentID() SegmentID {
	return NewSegmentID(atomic.AddUint32(&ix.txid, 1), 1)
}

func (ix *Index) notifyMerge() {
	if ix.mergeChan == nil {
		return
	}
	select {
	case ix.mergeChan <- struct{}{}:
	default:
	}
}

func (ix *Index) mergeLoop() {
	defer close(ix.mergeDone)
	for range ix.mergeChan {
		if err := ix.Merge(); err != nil && errors.Cause(err) != ErrClosed {
			log.Printf("background merge failed: %v", err)
		}
	}
}

// Close marks the index closed. Outstanding snapshots stay readable; new
// commits fail with ErrClosed.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return ErrClosed
	}
	ix.closed = true
	ix.mu.Unlock()

	if ix.mergeChan != nil {
		close(ix.mergeChan)
		<-ix.mergeDone
	}
	return nil
}
