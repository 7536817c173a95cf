package index

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/go-ferret/ferret/schema"
	"github.com/go-ferret/ferret/vfs"
)

const ManifestFilename = "manifest.json"

// Manifest describes one published generation of the index: the schema, the
// live segment set and aggregate stats. It embeds the schema so that an index
// directory is self-describing. A manifest is immutable once published;
// commits clone it, modify the clone and swap it in atomically.
type Manifest struct {
	ID             uint32          `json:"id"`
	NextDocID      uint32          `json:"nextdocid"`
	Schema         *schema.Schema  `json:"schema"`
	NumDocs        int             `json:"ndocs"`
	NumDeletedDocs int             `json:"ndeldocs,omitempty"`
	Segments       []*Segment      `json:"segments"`
}

// Clone creates a copy of the manifest that can be updated independently.
// Segments are cloned shallowly except for their deletion bitmaps.
func (m *Manifest) Clone() *Manifest {
	m2 := &Manifest{
		ID:             m.ID,
		NextDocID:      m.NextDocID,
		Schema:         m.Schema,
		NumDocs:        m.NumDocs,
		NumDeletedDocs: m.NumDeletedDocs,
		Segments:       make([]*Segment, len(m.Segments)),
	}
	for i, s := range m.Segments {
		m2.Segments[i] = s.Clone()
	}
	return m2
}

// AddSegment appends a new segment and updates aggregate stats.
func (m *Manifest) AddSegment(s *Segment) {
	m.NumDocs += s.NumDocs()
	m.NumDeletedDocs += s.NumDeletedDocs()
	m.Segments = append(m.Segments, s)
}

// RemoveSegment drops a segment and updates aggregate stats.
func (m *Manifest) RemoveSegment(s *Segment) {
	for i, s2 := range m.Segments {
		if s2.ID == s.ID {
			m.Segments = append(m.Segments[:i], m.Segments[i+1:]...)
			m.NumDocs -= s.NumDocs()
			m.NumDeletedDocs -= s.NumDeletedDocs()
			return
		}
	}
}

// UpdateStats recomputes the aggregate counters from the segment set.
func (m *Manifest) UpdateStats() {
	m.NumDocs = 0
	m.NumDeletedDocs = 0
	for _, s := range m.Segments {
		m.NumDocs += s.NumDocs()
		m.NumDeletedDocs += s.NumDeletedDocs()
	}
}

// NumLiveDocs returns the number of documents that are visible to readers.
func (m *Manifest) NumLiveDocs() int {
	return m.NumDocs - m.NumDeletedDocs
}

func (m *Manifest) Load(d vfs.Dir) error {
	file, err := d.OpenFile(ManifestFilename)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	defer file.Close()
	err = json.NewDecoder(file).Decode(m)
	if err != nil {
		return errors.Wrap(err, "decode failed")
	}
	if m.Schema == nil {
		return errors.New("manifest has no schema")
	}
	return nil
}

func (m *Manifest) Save(d vfs.Dir) error {
	return vfs.WriteFile(d, ManifestFilename, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(m)
	})
}
