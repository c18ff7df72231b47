package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) http.Handler {
	t.Helper()
	svc := newTestService(t)
	mux := http.NewServeMux()
	for _, route := range Routes(svc) {
		mux.HandleFunc(route.Method+" "+route.Pattern, route.Handler)
	}
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAddAndListMemories(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/memories", AddMemoryRequest{
		Content:      "use table-driven tests",
		ContainerTag: "mem_user_abc123",
		Type:         "fact",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var addEnv Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &addEnv))
	assert.True(t, addEnv.Success)

	rec = doJSON(t, mux, http.MethodGet, "/api/memories?tag=mem_user_abc123", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listEnv Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listEnv))
	assert.True(t, listEnv.Success)
}

func TestHTTPAddMemoryRejectsMalformedTag(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/memories", AddMemoryRequest{
		Content:      "x",
		ContainerTag: "bad",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "STORE_INVALID_CONTAINER_TAG", env.Error.Code)
}

func TestHTTPStatsEndpoint(t *testing.T) {
	mux := newTestMux(t)

	doJSON(t, mux, http.MethodPost, "/api/memories", AddMemoryRequest{Content: "x", ContainerTag: "mem_user_abc123"})

	rec := doJSON(t, mux, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestHTTPDeleteMissingMemoryReturnsNotFound(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodDelete, "/api/memories/mem_does_not_exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPPinUnpinByPath(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/memories", AddMemoryRequest{
		Content:      "pin me",
		ContainerTag: "mem_user_abc123",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	id := env.Data.(map[string]any)["id"].(string)

	rec = doJSON(t, mux, http.MethodPost, "/api/memories/"+id+"/pin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/memories/"+id+"/unpin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPWrongMethodRejected(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPatch, "/api/memories", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
