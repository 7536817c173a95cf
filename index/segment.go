package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/vfs"
)

const (
	segmentMagic   uint32 = 0x46455253
	segmentVersion uint32 = 1
	footerSize            = 16
)

var (
	ErrInvalidSegment = errors.New("invalid segment file")
	ErrDocNotFound    = errors.New("document not found")
)

// SegmentID identifies one segment within an index. It combines the id of
// the transaction that created the segment with a per-transaction counter.
type SegmentID uint64

func NewSegmentID(txid uint32, counter uint8) SegmentID {
	return SegmentID(uint64(txid)<<8 | uint64(counter))
}

func (id SegmentID) TXID() uint32   { return uint32(id >> 8) }
func (id SegmentID) Counter() uint8 { return uint8(id & 0xff) }

func (id SegmentID) String() string {
	return fmt.Sprintf("%v:%v", id.TXID(), id.Counter())
}

// Posting records the occurrences of one term in one document.
type Posting struct {
	DocID     uint32
	Freq      uint32
	Positions []uint32
}

// TermRef names a term scoped to its field.
type TermRef struct {
	Field string
	Term  string
}

func (r TermRef) less(other TermRef) bool {
	if r.Field != other.Field {
		return r.Field < other.Field
	}
	return r.Term < other.Term
}

type dictEntry struct {
	Field   string `json:"f"`
	Term    string `json:"t"`
	Offset  int64  `json:"o"`
	Length  int    `json:"l"`
	DocFreq int    `json:"d"`
}

type storedRef struct {
	Offset int64 `json:"o"`
	Length int   `json:"l"`
}

type dictFile struct {
	Entries []dictEntry          `json:"entries"`
	Stored  map[string]storedRef `json:"stored"`
}

type SegmentMeta struct {
	NumDocs   int    `json:"ndocs"`
	NumTerms  int    `json:"nterms"`
	Size      int64  `json:"size"`
	Checksum  uint32 `json:"checksum"`
	MinDocID  uint32 `json:"mindocid"`
	MaxDocID  uint32 `json:"maxdocid"`
	CreatedAt int64  `json:"created"`

	DictOffset   int64 `json:"dictoff"`
	DictLength   int   `json:"dictlen"`
	DocsOffset   int64 `json:"docsoff"`
	DocsLength   int   `json:"docslen"`
	StoredOffset int64 `json:"storedoff"`
	StoredLength int   `json:"storedlen"`
}

// Segment is one immutable unit of index storage. Postings and stored fields
// are read from the data file on demand; the term dictionary and the
// document bitmap stay in memory. Deletions only set bits in the deletion
// bitmap, persisted as a sidecar generation file at commit. Segments in a
// published manifest are never mutated in place; commits work on clones.
type Segment struct {
	ID       SegmentID   `json:"id"`
	UpdateID uint32      `json:"updateid,omitempty"`
	Meta     SegmentMeta `json:"meta"`

	dict      []dictEntry
	storedIdx map[string]storedRef
	docs      *roaring.Bitmap
	deleted   *roaring.Bitmap
	dirty     bool
	reader    vfs.FileReader
}

// segmentData is the in-memory content of a segment about to be written,
// accumulated by a writer batch or a merge.
type segmentData struct {
	postings map[TermRef][]Posting
	stored   map[uint32]map[string]string
	docs     *roaring.Bitmap
}

func newSegmentData() *segmentData {
	return &segmentData{
		postings: make(map[TermRef][]Posting),
		stored:   make(map[uint32]map[string]string),
		docs:     roaring.New(),
	}
}

func (d *segmentData) addPosting(ref TermRef, p Posting) {
	d.postings[ref] = append(d.postings[ref], p)
}

func (d *segmentData) addDoc(docID uint32, stored map[string]string) {
	d.docs.Add(docID)
	if len(stored) > 0 {
		d.stored[docID] = stored
	}
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// CreateSegment serializes data into a new immutable segment file and
// reopens it for reading.
func CreateSegment(d vfs.Dir, id SegmentID, data *segmentData) (*Segment, error) {
	s := &Segment{
		ID: id,
		Meta: SegmentMeta{
			NumDocs:   int(data.docs.GetCardinality()),
			NumTerms:  len(data.postings),
			CreatedAt: time.Now().Unix(),
		},
		docs: data.docs,
	}
	if !data.docs.IsEmpty() {
		s.Meta.MinDocID = data.docs.Minimum()
		s.Meta.MaxDocID = data.docs.Maximum()
	}

	started := time.Now()
	name := s.fileName()

	file, err := d.CreateFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "create failed")
	}
	defer file.Close()

	err = s.writeData(file, data)
	if err != nil {
		return nil, errors.Wrap(err, "data writing failed")
	}

	err = file.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "file commit failed")
	}

	log.Printf("completed segment %v with data file '%v' (docs=%v, terms=%v, duration=%s)",
		s.ID, name, s.Meta.NumDocs, s.Meta.NumTerms, time.Since(started))

	s.reader, err = d.OpenFile(name)
	if err != nil {
		s.Remove(d)
		return nil, errors.Wrap(err, "open failed")
	}
	return s, nil
}

func (s *Segment) writeData(file io.Writer, data *segmentData) error {
	cw := &countingWriter{w: bufio.NewWriter(file)}

	refs := make([]TermRef, 0, len(data.postings))
	for ref := range data.postings {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].less(refs[j]) })

	s.dict = make([]dictEntry, 0, len(refs))
	var buf []byte
	for _, ref := range refs {
		postings := data.postings[ref]
		sort.Slice(postings, func(i, j int) bool { return postings[i].DocID < postings[j].DocID })

		offset := cw.n
		buf = buf[:0]
		var lastDocID uint32
		for _, p := range postings {
			buf = binary.AppendUvarint(buf, uint64(p.DocID-lastDocID))
			buf = binary.AppendUvarint(buf, uint64(p.Freq))
			var lastPos uint32
			for _, pos := range p.Positions {
				buf = binary.AppendUvarint(buf, uint64(pos-lastPos))
				lastPos = pos
			}
			lastDocID = p.DocID
			s.Meta.Checksum += p.DocID + p.Freq
		}
		if _, err := cw.Write(buf); err != nil {
			return err
		}
		s.dict = append(s.dict, dictEntry{
			Field:   ref.Field,
			Term:    ref.Term,
			Offset:  offset,
			Length:  int(cw.n - offset),
			DocFreq: len(postings),
		})
	}

	s.storedIdx = make(map[string]storedRef, len(data.stored))
	s.Meta.StoredOffset = cw.n
	for _, docID := range data.docs.ToArray() {
		fields, ok := data.stored[docID]
		if !ok {
			continue
		}
		blob, err := json.Marshal(fields)
		if err != nil {
			return errors.Wrap(err, "stored fields encoding failed")
		}
		offset := cw.n
		if _, err := cw.Write(blob); err != nil {
			return err
		}
		s.storedIdx[docKey(docID)] = storedRef{Offset: offset, Length: len(blob)}
	}
	s.Meta.StoredLength = int(cw.n - s.Meta.StoredOffset)

	s.Meta.DocsOffset = cw.n
	docsBlob, err := data.docs.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "docs bitmap encoding failed")
	}
	if _, err := cw.Write(docsBlob); err != nil {
		return err
	}
	s.Meta.DocsLength = len(docsBlob)

	s.Meta.DictOffset = cw.n
	dictBlob, err := json.Marshal(dictFile{Entries: s.dict, Stored: s.storedIdx})
	if err != nil {
		return errors.Wrap(err, "dictionary encoding failed")
	}
	if _, err := cw.Write(dictBlob); err != nil {
		return err
	}
	s.Meta.DictLength = len(dictBlob)
	s.Meta.Size = cw.n

	metaOffset := cw.n
	if err := json.NewEncoder(cw).Encode(&s.Meta); err != nil {
		return errors.Wrap(err, "meta encoding failed")
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:], uint64(metaOffset))
	binary.LittleEndian.PutUint32(footer[8:], segmentMagic)
	binary.LittleEndian.PutUint32(footer[12:], segmentVersion)
	if _, err := cw.Write(footer[:]); err != nil {
		return err
	}

	return cw.w.Flush()
}

// Open loads the segment's dictionary and bitmaps from its data file and,
// when the segment has persisted deletions, from its deletion sidecar.
func (s *Segment) Open(d vfs.Dir) error {
	file, err := d.OpenFile(s.fileName())
	if err != nil {
		return err
	}

	err = s.readData(file)
	if err != nil {
		file.Close()
		return err
	}

	if s.UpdateID != 0 {
		deleted, err := s.loadDeletes(d)
		if err != nil {
			file.Close()
			return err
		}
		s.deleted = deleted
	}

	s.reader = file
	return nil
}

func (s *Segment) readData(file vfs.FileReader) error {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if size < footerSize {
		return ErrInvalidSegment
	}
	var footer [footerSize]byte
	if _, err := file.ReadAt(footer[:], size-footerSize); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(footer[8:]) != segmentMagic {
		return ErrInvalidSegment
	}
	metaOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	if metaOffset < 0 || metaOffset >= size-footerSize {
		return ErrInvalidSegment
	}

	metaBlob := make([]byte, size-footerSize-metaOffset)
	if _, err := file.ReadAt(metaBlob, metaOffset); err != nil {
		return err
	}
	if err := json.Unmarshal(metaBlob, &s.Meta); err != nil {
		return errors.Wrap(ErrInvalidSegment, err.Error())
	}

	dictBlob := make([]byte, s.Meta.DictLength)
	if _, err := file.ReadAt(dictBlob, s.Meta.DictOffset); err != nil {
		return err
	}
	var dict dictFile
	if err := json.Unmarshal(dictBlob, &dict); err != nil {
		return errors.Wrap(ErrInvalidSegment, err.Error())
	}
	s.dict = dict.Entries
	s.storedIdx = dict.Stored

	docsBlob := make([]byte, s.Meta.DocsLength)
	if _, err := file.ReadAt(docsBlob, s.Meta.DocsOffset); err != nil {
		return err
	}
	s.docs = roaring.New()
	if err := s.docs.UnmarshalBinary(docsBlob); err != nil {
		return errors.Wrap(ErrInvalidSegment, err.Error())
	}
	return nil
}

func (s *Segment) fileName() string {
	return fmt.Sprintf("segment-%x.dat", uint64(s.ID))
}

func (s *Segment) deletesFileName(updateID uint32) string {
	return fmt.Sprintf("segment-%x-%d.del", uint64(s.ID), updateID)
}

func (s *Segment) loadDeletes(d vfs.Dir) (*roaring.Bitmap, error) {
	file, err := d.OpenFile(s.deletesFileName(s.UpdateID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open deletes file")
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	deleted := roaring.New()
	if err := deleted.UnmarshalBinary(blob); err != nil {
		return nil, errors.Wrap(ErrInvalidSegment, err.Error())
	}
	return deleted, nil
}

// SaveUpdate persists pending deletions under the committing transaction's
// id. A no-op for clean segments.
func (s *Segment) SaveUpdate(d vfs.Dir, txid uint32) error {
	if !s.dirty {
		return nil
	}
	err := vfs.WriteFile(d, s.deletesFileName(txid), func(w io.Writer) error {
		_, err := s.deleted.WriteTo(w)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to save deletes")
	}
	s.UpdateID = txid
	s.dirty = false
	return nil
}

// Close releases the segment's open data file. Clones share the reader, so
// this is only valid for segments that were never published.
func (s *Segment) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

// Remove deletes the segment's data file.
func (s *Segment) Remove(d vfs.Dir) error {
	name := s.fileName()
	if err := d.RemoveFile(name); err != nil {
		return errors.Wrapf(err, "failed to remove segment file %v", name)
	}
	log.Printf("removed segment file %v", name)
	return nil
}

// Clone returns a copy that can accumulate new deletions without touching
// the published original.
func (s *Segment) Clone() *Segment {
	s2 := &Segment{
		ID:        s.ID,
		UpdateID:  s.UpdateID,
		Meta:      s.Meta,
		dict:      s.dict,
		storedIdx: s.storedIdx,
		docs:      s.docs,
		dirty:     s.dirty,
		reader:    s.reader,
	}
	if s.deleted != nil {
		s2.deleted = s.deleted.Clone()
	}
	return s2
}

func (s *Segment) NumDocs() int { return s.Meta.NumDocs }

func (s *Segment) NumDeletedDocs() int {
	if s.deleted == nil {
		return 0
	}
	return int(s.deleted.GetCardinality())
}

func (s *Segment) NumLiveDocs() int { return s.NumDocs() - s.NumDeletedDocs() }

func (s *Segment) Size() int64 { return s.Meta.Size }

// Contains reports whether the document was ever added to this segment,
// deleted or not.
func (s *Segment) Contains(docID uint32) bool { return s.docs.Contains(docID) }

func (s *Segment) IsDeleted(docID uint32) bool {
	return s.deleted != nil && s.deleted.Contains(docID)
}

// LiveDocs returns the set of documents that are present and not deleted.
func (s *Segment) LiveDocs() *roaring.Bitmap {
	if s.deleted == nil {
		return s.docs
	}
	return roaring.AndNot(s.docs, s.deleted)
}

// Delete marks a document deleted. Only valid on cloned, unpublished
// segments.
func (s *Segment) Delete(docID uint32) bool {
	if !s.docs.Contains(docID) || s.IsDeleted(docID) {
		return false
	}
	if s.deleted == nil {
		s.deleted = roaring.New()
	}
	s.deleted.Add(docID)
	s.dirty = true
	return true
}

// DeleteMulti marks all documents in the given set deleted and returns the
// number of documents newly deleted.
func (s *Segment) DeleteMulti(docs *roaring.Bitmap) int {
	overlap := roaring.And(s.docs, docs)
	if s.deleted != nil {
		overlap.AndNot(s.deleted)
	}
	if overlap.IsEmpty() {
		return 0
	}
	if s.deleted == nil {
		s.deleted = roaring.New()
	}
	s.deleted.Or(overlap)
	s.dirty = true
	return int(overlap.GetCardinality())
}

func (s *Segment) findEntry(field, term string) (dictEntry, bool) {
	want := TermRef{Field: field, Term: term}
	i := sort.Search(len(s.dict), func(i int) bool {
		return !TermRef{Field: s.dict[i].Field, Term: s.dict[i].Term}.less(want)
	})
	if i < len(s.dict) && s.dict[i].Field == field && s.dict[i].Term == term {
		return s.dict[i], true
	}
	return dictEntry{}, false
}

// DocFreq returns the number of documents in this segment containing the
// term, deleted documents included.
func (s *Segment) DocFreq(field, term string) int {
	entry, ok := s.findEntry(field, term)
	if !ok {
		return 0
	}
	return entry.DocFreq
}

// Postings reads the postings list for one term, in ascending document-id
// order. Deleted documents are included; callers filter them.
func (s *Segment) Postings(field, term string) ([]Posting, error) {
	entry, ok := s.findEntry(field, term)
	if !ok {
		return nil, nil
	}
	return s.readPostings(entry)
}

func (s *Segment) readPostings(entry dictEntry) ([]Posting, error) {
	blob := make([]byte, entry.Length)
	if _, err := s.reader.ReadAt(blob, entry.Offset); err != nil {
		return nil, errors.Wrapf(err, "failed to read postings for %s:%s", entry.Field, entry.Term)
	}
	reader := bytes.NewReader(blob)

	postings := make([]Posting, 0, entry.DocFreq)
	var docID uint32
	for i := 0; i < entry.DocFreq; i++ {
		delta, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidSegment, err.Error())
		}
		docID += uint32(delta)
		freq, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidSegment, err.Error())
		}
		positions := make([]uint32, freq)
		var pos uint32
		for j := range positions {
			delta, err := binary.ReadUvarint(reader)
			if err != nil {
				return nil, errors.Wrap(ErrInvalidSegment, err.Error())
			}
			pos += uint32(delta)
			positions[j] = pos
		}
		postings = append(postings, Posting{DocID: docID, Freq: uint32(freq), Positions: positions})
	}
	return postings, nil
}

// MatchTerms scans the dictionary of one field and returns the entries whose
// term satisfies the match function.
func (s *Segment) MatchTerms(field string, match func(term string) bool) []dictEntry {
	var entries []dictEntry
	for _, entry := range s.dict {
		if entry.Field == field && match(entry.Term) {
			entries = append(entries, entry)
		}
	}
	return entries
}

// PrefixTerms returns the dictionary entries of one field whose term starts
// with the prefix, using the sorted dictionary order.
func (s *Segment) PrefixTerms(field, prefix string) []dictEntry {
	want := TermRef{Field: field, Term: prefix}
	i := sort.Search(len(s.dict), func(i int) bool {
		return !TermRef{Field: s.dict[i].Field, Term: s.dict[i].Term}.less(want)
	})
	var entries []dictEntry
	for ; i < len(s.dict); i++ {
		entry := s.dict[i]
		if entry.Field != field || !hasPrefix(entry.Term, prefix) {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// StoredFields reads the stored field values of one document.
func (s *Segment) StoredFields(docID uint32) (map[string]string, error) {
	ref, ok := s.storedIdx[docKey(docID)]
	if !ok {
		return nil, ErrDocNotFound
	}
	blob := make([]byte, ref.Length)
	if _, err := s.reader.ReadAt(blob, ref.Offset); err != nil {
		return nil, errors.Wrapf(err, "failed to read stored fields of doc %d", docID)
	}
	var fields map[string]string
	if err := json.Unmarshal(blob, &fields); err != nil {
		return nil, errors.Wrap(ErrInvalidSegment, err.Error())
	}
	return fields, nil
}

func docKey(docID uint32) string {
	return strconv.FormatUint(uint64(docID), 10)
}
