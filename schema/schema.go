// Package schema declares the fields of an index. A schema is resolved once
// at index creation, persisted inside the index, and never changes afterwards.
package schema

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrSchemaViolation reports a document or field declaration that does not
// conform to the schema.
var ErrSchemaViolation = errors.New("schema violation")

// Kind determines how a field's value is treated at indexing time.
type Kind int

const (
	// Text fields are run through the analyzer and support full-text,
	// phrase, wildcard and fuzzy matching.
	Text Kind = iota

	// ID fields hold a single exact identifier token, matched verbatim
	// after case folding.
	ID
)

func (k Kind) String() string {
	if k == ID {
		return "id"
	}
	return "text"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "text":
		*k = Text
	case "id":
		*k = ID
	default:
		return errors.Wrapf(ErrSchemaViolation, "unknown field kind %q", s)
	}
	return nil
}

func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "text", "":
		*k = Text
	case "id":
		*k = ID
	default:
		return errors.Wrapf(ErrSchemaViolation, "unknown field kind %q", s)
	}
	return nil
}

type Field struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Stored   bool   `json:"stored,omitempty" yaml:"stored"`
	Unique   bool   `json:"unique,omitempty" yaml:"unique"`
	Sortable bool   `json:"sortable,omitempty" yaml:"sortable"`
}

// Schema is an ordered set of field declarations. At most one ID field may be
// unique; it acts as the document key and drives upsert semantics.
type Schema struct {
	fields []Field
	byName map[string]int
}

// New validates the field declarations and builds a schema from them.
func New(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrSchemaViolation, "schema has no fields")
	}
	s := &Schema{
		fields: append([]Field(nil), fields...),
		byName: make(map[string]int, len(fields)),
	}
	unique := ""
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, errors.Wrap(ErrSchemaViolation, "field with empty name")
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, errors.Wrapf(ErrSchemaViolation, "duplicate field %q", f.Name)
		}
		if f.Unique {
			if f.Kind != ID {
				return nil, errors.Wrapf(ErrSchemaViolation, "unique field %q must be an id field", f.Name)
			}
			if unique != "" {
				return nil, errors.Wrapf(ErrSchemaViolation, "multiple unique fields: %q and %q", unique, f.Name)
			}
			unique = f.Name
		}
		s.byName[f.Name] = i
	}
	return s, nil
}

// Fields returns the declarations in schema order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field looks up a declaration by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// KeyField returns the unique ID field, or false if the schema has none.
func (s *Schema) KeyField() (Field, bool) {
	for _, f := range s.fields {
		if f.Unique {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a document against the schema. Missing fields are allowed,
// unknown fields and a missing unique key are not.
func (s *Schema) Validate(doc map[string]string) error {
	for name := range doc {
		if _, ok := s.byName[name]; !ok {
			return errors.Wrapf(ErrSchemaViolation, "unknown field %q", name)
		}
	}
	if key, ok := s.KeyField(); ok {
		if doc[key.Name] == "" {
			return errors.Wrapf(ErrSchemaViolation, "missing unique field %q", key.Name)
		}
	}
	return nil
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	s2, err := New(fields...)
	if err != nil {
		return err
	}
	*s = *s2
	return nil
}
