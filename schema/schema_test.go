package schema

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSchema(t *testing.T) *Schema {
	s, err := New(
		Field{Name: "title", Kind: Text, Stored: true},
		Field{Name: "content", Kind: Text, Stored: true},
		Field{Name: "path", Kind: ID, Stored: true, Unique: true},
	)
	require.NoError(t, err)
	return s
}

func TestNew_Invalid(t *testing.T) {
	_, err := New()
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))

	_, err = New(Field{Name: "a", Kind: Text}, Field{Name: "a", Kind: Text})
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))

	_, err = New(Field{Name: "a", Kind: Text, Unique: true})
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))

	_, err = New(
		Field{Name: "a", Kind: ID, Unique: true},
		Field{Name: "b", Kind: ID, Unique: true},
	)
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))
}

func TestSchema_Validate(t *testing.T) {
	s := testSchema(t)

	assert.NoError(t, s.Validate(map[string]string{"path": "/a", "title": "hello"}))
	assert.NoError(t, s.Validate(map[string]string{"path": "/a"}))

	err := s.Validate(map[string]string{"path": "/a", "author": "nobody"})
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))

	err = s.Validate(map[string]string{"title": "no key"})
	assert.Equal(t, ErrSchemaViolation, errors.Cause(err))
}

func TestSchema_KeyField(t *testing.T) {
	s := testSchema(t)
	key, ok := s.KeyField()
	require.True(t, ok)
	assert.Equal(t, "path", key.Name)
}

func TestSchema_JSONRoundTrip(t *testing.T) {
	s := testSchema(t)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var s2 Schema
	require.NoError(t, json.Unmarshal(data, &s2))
	assert.Equal(t, s.Fields(), s2.Fields())
}

func TestField_YAML(t *testing.T) {
	var fields []Field
	doc := `
- name: title
  kind: text
  stored: true
- name: path
  kind: id
  stored: true
  unique: true
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &fields))
	s, err := New(fields...)
	require.NoError(t, err)

	key, ok := s.KeyField()
	require.True(t, ok)
	assert.Equal(t, "path", key.Name)
}
