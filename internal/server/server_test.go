package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/app"
	"github.com/rcliao/voicekb/internal/config"
	"github.com/rcliao/voicekb/internal/model"
)

type testServer struct {
	t   *testing.T
	cfg *config.Config
	h   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "voicekb.db")
	cfg.LLM.Provider = "extractive"
	cfg.Embedding.Dimensions = 1024
	cfg.Chunking = config.ChunkingConfig{Size: 20, Overlap: 5}

	a, err := app.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	engine, err := a.Engine(context.Background())
	require.NoError(t, err)

	return &testServer{t: t, cfg: cfg, h: New(cfg, engine, a.Knowledge, nil).Handler()}
}

func (ts *testServer) json(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = httptest.NewRequest(method, path, strings.NewReader(string(b)))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.h.ServeHTTP(w, r)
	return w
}

func (ts *testServer) form(path string, values url.Values) *httptest.ResponseRecorder {
	ts.t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) clinicKB() string {
	ts.t.Helper()
	w := ts.json(http.MethodPost, "/api/kb", map[string]string{"owner_user_id": "u1", "name": "clinic"})
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
	kb := decode[model.KnowledgeBase](ts.t, w)

	w = ts.json(http.MethodPost, "/api/kb/"+kb.ID+"/documents", map[string]any{
		"text":     "The clinic opens at 9am and closes at 5pm.",
		"metadata": map[string]string{"source": "faq"},
	})
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
	return kb.ID
}

func TestKnowledgeAPI(t *testing.T) {
	ts := newTestServer(t)
	kbID := ts.clinicKB()

	w := ts.json(http.MethodPost, "/api/kb/"+kbID+"/query", map[string]any{"query": "When does the clinic open?", "top_k": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		Snippets []struct {
			Text string `json:"text"`
			Rank int    `json:"rank"`
		} `json:"snippets"`
	}](t, w)
	require.Len(t, res.Snippets, 1)
	assert.Contains(t, res.Snippets[0].Text, "9am")

	w = ts.json(http.MethodGet, "/api/kb/"+kbID+"/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[[]model.Document](t, w)
	require.Len(t, docs, 1)
	assert.Equal(t, 3, docs[0].ChunkCount)

	w = ts.json(http.MethodGet, "/api/kb/"+kbID+"/search?q=closes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[[]model.Chunk](t, w))

	w = ts.json(http.MethodDelete, "/api/documents/"+docs[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[map[string]int](t, w)["deleted_chunks"])

	w = ts.json(http.MethodDelete, "/api/kb/"+kbID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestExportImportAPI(t *testing.T) {
	ts := newTestServer(t)
	kbID := ts.clinicKB()

	w := ts.json(http.MethodGet, "/api/kb/"+kbID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))

	w = ts.json(http.MethodPost, "/api/kb/import?owner=u2", bundle)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[struct {
		KnowledgeBaseID string   `json:"kb_id"`
		DocumentIDs     []string `json:"doc_ids"`
	}](t, w)
	assert.NotEqual(t, kbID, res.KnowledgeBaseID)
	assert.Len(t, res.DocumentIDs, 1)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	w := ts.json(http.MethodPost, "/api/kb/missing/query", map[string]any{"query": "hours"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperr.KnowledgeBaseNotFound), decode[map[string]string](t, w)["kind"])

	w = ts.json(http.MethodPost, "/api/kb", map[string]string{"owner_user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.json(http.MethodGet, "/api/calls/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.ConcurrentTurnConflict, http.StatusConflict},
		{apperr.InvalidStateTransition, http.StatusConflict},
		{apperr.DocumentNotFound, http.StatusNotFound},
		{apperr.DocumentProcessing, http.StatusBadRequest},
		{apperr.ProviderUnavailable, http.StatusServiceUnavailable},
		{apperr.RateLimited, http.StatusTooManyRequests},
		{apperr.Kind("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.kind), tt.kind)
	}
}

func TestCallFlow(t *testing.T) {
	ts := newTestServer(t)
	kbID := ts.clinicKB()
	ts.cfg.Telephony.Numbers = map[string]config.Route{"+15550001": {UserID: "u1", KnowledgeBaseID: kbID}}

	w := ts.form(voicePath, url.Values{"CallSid": {"CA1"}, "From": {"+15559999"}, "To": {"+15550001"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Gather")
	assert.Contains(t, w.Body.String(), ts.cfg.Telephony.Greeting)

	w = ts.form(speechPath, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"When does the clinic open?"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "9am")
	assert.Contains(t, w.Body.String(), "<Gather")

	// Silence reprompts without touching the transcript.
	w = ts.form(speechPath, url.Values{"CallSid": {"CA1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Gather")

	w = ts.json(http.MethodGet, "/api/calls", nil)
	assert.Len(t, decode[[]model.CallSession](t, w), 1)

	w = ts.json(http.MethodGet, "/api/calls/CA1/transcript", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]model.Message](t, w)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "9am")

	w = ts.form(statusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.json(http.MethodGet, "/api/calls/CA1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StateEnded, decode[model.CallSession](t, w).State)

	w = ts.form(speechPath, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"hello?"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Hangup")
}

func TestVoice_UnroutedNumber(t *testing.T) {
	ts := newTestServer(t)
	w := ts.form(voicePath, url.Values{"CallSid": {"CA9"}, "To": {"+10000000"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Hangup")
	assert.Empty(t, decode[[]model.CallSession](t, ts.json(http.MethodGet, "/api/calls", nil)))
}

func TestStatus_IgnoresProgressAndUnknownCalls(t *testing.T) {
	ts := newTestServer(t)
	w := ts.form(statusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.form(statusPath, url.Values{"CallSid": {"unknown"}, "CallStatus": {"completed"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	w := ts.json(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	w = ts.json(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicekb_active_calls")
}
