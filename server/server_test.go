package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/go-ferret/ferret/index"
	"github.com/go-ferret/ferret/schema"
	"github.com/go-ferret/ferret/vfs"
)

func testServer(t *testing.T) *Server {
	s, err := schema.New(
		schema.Field{Name: "title", Kind: schema.Text, Stored: true},
		schema.Field{Name: "content", Kind: schema.Text, Stored: true},
		schema.Field{Name: "path", Kind: schema.ID, Stored: true, Unique: true, Sortable: true},
	)
	require.NoError(t, err)

	ix, err := index.Create(vfs.NewMemDir(), s, index.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	return New(ix, zaptest.NewLogger(t), Config{DefaultField: "title"})
}

func addTestDocs(t *testing.T, srv *Server) {
	body := `[
		{"title": "First document", "content": "this is the first document we added", "path": "a"},
		{"title": "Second document", "content": "the second one is even more interesting", "path": "b"},
		{"title": "Third document", "content": "the third one is a bit different", "path": "c"}
	]`
	resp := doRequest(t, srv, http.MethodPost, "/documents", body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	resp := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, req)
	return resp
}

func decodeSearch(t *testing.T, resp *httptest.ResponseRecorder) *searchResponse {
	var out searchResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return &out
}

func TestServer_AddAndSearch(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodGet, "/search?q=document", "")
	require.Equal(t, http.StatusOK, resp.Code)
	out := decodeSearch(t, resp)
	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Hits, 3)
	assert.Equal(t, "a", out.Hits[0].Key)
	assert.Equal(t, "First document", out.Hits[0].Fields["title"])
}

func TestServer_SearchPhraseAndField(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodGet, `/search?q=`+`%22second+document%22`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	out := decodeSearch(t, resp)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, "b", out.Hits[0].Key)

	resp = doRequest(t, srv, http.MethodGet, "/search?q=path:a", "")
	require.Equal(t, http.StatusOK, resp.Code)
	out = decodeSearch(t, resp)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, "a", out.Hits[0].Key)
}

func TestServer_SearchOptions(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodGet, "/search?q=document&limit=2&skip=1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	out := decodeSearch(t, resp)
	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Hits, 2)
	assert.Equal(t, "b", out.Hits[0].Key)

	resp = doRequest(t, srv, http.MethodGet, "/search?q=document&sort=-path", "")
	require.Equal(t, http.StatusOK, resp.Code)
	out = decodeSearch(t, resp)
	require.Len(t, out.Hits, 3)
	assert.Equal(t, "c", out.Hits[0].Key)
}

func TestServer_SearchHighlight(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodGet, "/search?q=content:interesting&highlight=content", "")
	require.Equal(t, http.StatusOK, resp.Code)
	out := decodeSearch(t, resp)
	require.Len(t, out.Hits, 1)
	assert.Contains(t, out.Hits[0].Highlight, "<b>interesting</b>")
}

func TestServer_SearchErrors(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodGet, "/search", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodGet, "/search?q=%22broken", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodGet, "/search?q=bogus:x", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodGet, "/search?q=document&limit=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodGet, "/search?q=document&sort=title", "").Code)
}

func TestServer_AddErrors(t *testing.T) {
	srv := testServer(t)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodPost, "/documents", "{broken").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, srv, http.MethodPost, "/documents", "[]").Code)
	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, srv, http.MethodPost, "/documents", `[{"bogus": "x", "path": "a"}]`).Code)
}

func TestServer_WriterBusy(t *testing.T) {
	srv := testServer(t)

	w, err := srv.ix.Writer()
	require.NoError(t, err)
	defer w.Abort()

	resp := doRequest(t, srv, http.MethodPost, "/documents", `[{"title": "x", "path": "a"}]`)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestServer_Delete(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodDelete, "/documents/b", "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	out := decodeSearch(t, doRequest(t, srv, http.MethodGet, "/search?q=document", ""))
	assert.Equal(t, 2, out.Total)

	resp = doRequest(t, srv, http.MethodDelete, "/documents/b", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServer_StatsAndHealth(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)

	resp := doRequest(t, srv, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var stats index.Stats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.NumDocs)

	resp = doRequest(t, srv, http.MethodGet, "/_health", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv := testServer(t)
	addTestDocs(t, srv)
	doRequest(t, srv, http.MethodGet, "/search?q=document", "")

	resp := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "ferret_http_requests_total")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\npath: /tmp/ix\ndefault_field: title\n"), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", config.Listen)
	assert.Equal(t, "/tmp/ix", config.Path)
	assert.Equal(t, "title", config.DefaultField)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
