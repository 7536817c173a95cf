package index

import (
	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/analysis"
	"github.com/go-ferret/ferret/schema"
)

// Document is a set of field values to be indexed. It must conform to the
// index schema.
type Document map[string]string

// Writer is a transactional batch of document additions and deletions.
// Nothing becomes visible until Commit; Commit publishes the whole batch or
// nothing. A writer is single-use: after Commit, Abort or Close it cannot be
// reused.
type Writer struct {
	ix      *Index
	docs    []Document
	deletes []TermRef
	closed  bool
}

// Add validates the document against the schema and buffers it. Adding a
// document whose unique key already exists in the index replaces the earlier
// document at commit time.
func (w *Writer) Add(doc Document) error {
	if w.closed {
		return ErrClosed
	}
	s := w.ix.Schema()
	if err := s.Validate(doc); err != nil {
		return err
	}
	copied := make(Document, len(doc))
	for name, value := range doc {
		copied[name] = value
	}
	w.docs = append(w.docs, copied)
	return nil
}

// DeleteByTerm buffers a deletion of every document containing the given
// term. The value is normalized the same way the field was indexed.
func (w *Writer) DeleteByTerm(field, value string) error {
	if w.closed {
		return ErrClosed
	}
	decl, ok := w.ix.Schema().Field(field)
	if !ok {
		return errors.Wrapf(schema.ErrSchemaViolation, "unknown field %q", field)
	}
	if decl.Kind == schema.ID {
		w.deletes = append(w.deletes, TermRef{Field: field, Term: analysis.Normalize(value)})
		return nil
	}
	for _, token := range w.ix.opts.analyzer().Analyze(value) {
		w.deletes = append(w.deletes, TermRef{Field: field, Term: token.Term})
	}
	return nil
}

// Commit analyzes the buffered documents into one new segment, applies the
// buffered deletions and the unique-key upsert shadowing to the existing
// segments, and atomically publishes the result. On failure the index stays
// at its previously published generation and the writer remains open so the
// caller can Abort.
func (w *Writer) Commit() error {
	if w.closed {
		return ErrClosed
	}

	m := w.ix.currentManifest().Clone()
	s := m.Schema
	analyzer := w.ix.opts.analyzer()
	keyField, hasKey := s.KeyField()

	docs := w.docs
	if hasKey {
		docs = dedupeByKey(docs, keyField.Name)
	}

	predicates := append([]TermRef(nil), w.deletes...)

	var segment *Segment
	if len(docs) > 0 {
		data := newSegmentData()
		for _, doc := range docs {
			docID := m.NextDocID
			m.NextDocID++
			indexDocument(data, docID, doc, s, analyzer)
			if hasKey {
				predicates = append(predicates, TermRef{
					Field: keyField.Name,
					Term:  analysis.Normalize(doc[keyField.Name]),
				})
			}
		}

		var err error
		segment, err = CreateSegment(w.ix.dir, w.ix.nextSegmentID(), data)
		if err != nil {
			return errors.WithMessagef(ErrCommitFailed, "%v", err)
		}
	}

	// Shadow superseded documents in the older segments. The segments in m
	// are clones, so published snapshots never observe these deletions.
	for _, old := range m.Segments {
		for _, pred := range predicates {
			postings, err := old.Postings(pred.Field, pred.Term)
			if err != nil {
				w.cleanup(segment)
				return errors.WithMessagef(ErrCommitFailed, "%v", err)
			}
			for _, p := range postings {
				old.Delete(p.DocID)
			}
		}
	}

	if segment != nil {
		m.Segments = append(m.Segments, segment)
	}
	m.UpdateStats()

	if err := w.ix.commit(m); err != nil {
		w.cleanup(segment)
		if errors.Cause(err) == ErrClosed {
			return err
		}
		return errors.WithMessagef(ErrCommitFailed, "%v", err)
	}

	w.finish()
	return nil
}

func (w *Writer) cleanup(segment *Segment) {
	if segment != nil {
		segment.Close()
		segment.Remove(w.ix.dir)
	}
}

// Abort discards the buffered batch without publishing anything.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.finish()
}

// Close releases the writer slot, aborting the batch if it was not
// committed.
func (w *Writer) Close() error {
	w.Abort()
	return nil
}

func (w *Writer) finish() {
	w.docs = nil
	w.deletes = nil
	w.closed = true
	w.ix.releaseWriter()
}

// dedupeByKey keeps only the last buffered document for each unique key, so
// upserts within one batch behave the same as across batches.
func dedupeByKey(docs []Document, key string) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		k := analysis.Normalize(docs[i][key])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, docs[i])
	}
	// Restore insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// indexDocument analyzes one document into postings and stored values. The
// unique key value is always stored, whether or not the field is marked
// stored, because hits are reported by key.
func indexDocument(data *segmentData, docID uint32, doc Document, s *schema.Schema, analyzer analysis.Analyzer) {
	stored := make(map[string]string)
	for _, decl := range s.Fields() {
		value, present := doc[decl.Name]
		if !present {
			continue
		}
		if decl.Stored || decl.Unique {
			stored[decl.Name] = value
		}
		if decl.Kind == schema.ID {
			term := analysis.Normalize(value)
			data.addPosting(TermRef{Field: decl.Name, Term: term}, Posting{
				DocID:     docID,
				Freq:      1,
				Positions: []uint32{0},
			})
			continue
		}

		freqs := make(map[string][]uint32)
		order := make([]string, 0, 8)
		for _, token := range analyzer.Analyze(value) {
			if _, ok := freqs[token.Term]; !ok {
				order = append(order, token.Term)
			}
			freqs[token.Term] = append(freqs[token.Term], uint32(token.Position))
		}
		for _, term := range order {
			positions := freqs[term]
			data.addPosting(TermRef{Field: decl.Name, Term: term}, Posting{
				DocID:     docID,
				Freq:      uint32(len(positions)),
				Positions: positions,
			})
		}
	}
	data.addDoc(docID, stored)
}
