package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsync/internal/collab"
	"flowsync/internal/flowchart"
	"flowsync/internal/gitrepo"
	"flowsync/internal/observability"
	"flowsync/internal/store"
	"flowsync/internal/ws"
)

type harness struct {
	server  *httptest.Server
	store   store.Store
	engine  *collab.Engine
	metrics *observability.Collector
}

type harnessOptions struct {
	store   store.Store
	archive bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	st := opts.store
	if st == nil {
		st = store.NewMemoryStore()
	}
	metrics := observability.NewCollector("flowsync")

	var archive *gitrepo.Service
	var hooks []collab.FlushHook
	if opts.archive {
		archive = gitrepo.New(t.TempDir())
		hooks = append(hooks, archive.FlushHook)
	}
	engine := collab.New(st, collab.Options{
		Autosave: collab.AutosaveConfig{
			Debounce:       time.Hour,
			FlushTimeout:   time.Second,
			MaxAttempts:    2,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
		Metrics: metrics,
		Hooks:   hooks,
	})

	svc := NewService(Deps{Store: st, Engine: engine, Archive: archive})
	srv := NewHTTPServer(svc, HTTPOptions{
		CORSOrigin: "*",
		Realtime:   ws.NewServer(engine.Gateway, ws.DefaultServerConfig(), nil),
		Metrics:    metrics,
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return &harness{server: server, store: st, engine: engine, metrics: metrics}
}

func (h *harness) do(t *testing.T, method, path string, body any, userID string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func (h *harness) create(t *testing.T, name string) flowchart.Document {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/flowchart", map[string]any{"name": name, "cards": []any{}, "connections": []any{}}, "u1")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var doc flowchart.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc
}

func TestCreateThenGetRoundTripsID(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	created := h.create(t, "e2e-design-1")
	require.NotEmpty(t, created.ID)
	assert.Equal(t, int64(0), created.Version)
	assert.Equal(t, "u1", created.CreatedBy)

	resp, body := h.do(t, http.MethodGet, "/flowchart/"+created.ID, nil, "u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got flowchart.Document
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "e2e-design-1", got.Name)
	assert.Empty(t, got.Cards)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCreateKeepsItems(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, body := h.do(t, http.MethodPost, "/flowchart", `{"name":"flow","cards":[{"id":"a","label":"Start","x":4}],"connections":[{"id":"ab","from":"a","to":"b"}]}`, "u1")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var doc flowchart.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Cards, 1)
	assert.JSONEq(t, `{"id":"a","label":"Start","x":4}`, string(doc.Cards[0].Raw))
	require.Len(t, doc.Connections, 1)
}

func TestGetUnknownIs404(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, body := h.do(t, http.MethodGet, "/flowchart/fc_missing", nil, "u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"code":"NOT_FOUND","error":"Not found"}`, string(body))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing name", `{"cards":[],"connections":[]}`, http.StatusUnprocessableEntity},
		{"blank name", `{"name":"   "}`, http.StatusUnprocessableEntity},
		{"long name", fmt.Sprintf(`{"name":%q}`, string(bytes.Repeat([]byte("x"), 201))), http.StatusUnprocessableEntity},
		{"duplicate card ids", `{"name":"f","cards":[{"id":"a"},{"id":"a"}]}`, http.StatusUnprocessableEntity},
		{"connection without id", `{"name":"f","connections":[{"from":"a"}]}`, http.StatusUnprocessableEntity},
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"non-object card", `{"name":"f","cards":[1]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/flowchart", tc.body, "u1")
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
		})
	}

	resp, body := h.do(t, http.MethodPost, "/flowchart", `{}`, "u1")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var payload struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "VALIDATION_ERROR", payload.Code)
	assert.Equal(t, "name is required", payload.Details["name"])
}

func TestMissingIdentityIs401(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, body := h.do(t, http.MethodPost, "/flowchart", `{"name":"f"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "UNAUTHORIZED")

	resp, _ = h.do(t, http.MethodGet, "/flowchart/fc_1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListFallsBackToStore(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.create(t, "Checkout")
	h.create(t, "Onboarding")
	h.create(t, "Checkout v2")

	resp, body := h.do(t, http.MethodGet, "/flowchart?q=checkout&limit=10", nil, "u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
		Total  int    `json:"total"`
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, 2, payload.Total)
	assert.Equal(t, "store", payload.Source)

	resp, _ = h.do(t, http.MethodGet, "/flowchart?limit=abc", nil, "u1")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSaveWithoutLiveSessionReportsStoredVersion(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	doc := h.create(t, "idle")

	resp, body := h.do(t, http.MethodPost, "/flowchart/"+doc.ID+"/save", nil, "u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, fmt.Sprintf(`{"documentId":%q,"version":0}`, doc.ID), string(body))

	resp, _ = h.do(t, http.MethodPost, "/flowchart/fc_missing/save", nil, "u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) Get(context.Context, string) (flowchart.Document, error) {
	return flowchart.Document{}, fmt.Errorf("get: %w", flowchart.ErrPersistence)
}

func (unavailableStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", flowchart.ErrPersistence)
}

func TestPersistenceFailureIs503(t *testing.T) {
	h := newHarness(t, harnessOptions{store: unavailableStore{store.NewMemoryStore()}})

	resp, body := h.do(t, http.MethodGet, "/flowchart/fc_1", nil, "u1")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "PERSISTENCE_FAILURE")

	resp, _ = h.do(t, http.MethodPost, "/flowchart/fc_1/save", nil, "u1")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	doc := h.create(t, "plain")
	resp, body := h.do(t, http.MethodGet, "/flowchart/"+doc.ID+"/history", nil, "u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "HISTORY_DISABLED")
}

func TestHistoryAndRevision(t *testing.T) {
	h := newHarness(t, harnessOptions{archive: true})
	doc := h.create(t, "archived")

	resp, body := h.do(t, http.MethodGet, "/flowchart/"+doc.ID+"/history", nil, "u1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var history struct {
		Revisions []gitrepo.Revision `json:"revisions"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Revisions, 1)
	assert.Equal(t, "Create flowchart", history.Revisions[0].Message)
	assert.Equal(t, "u1", history.Revisions[0].Author)

	resp, body = h.do(t, http.MethodGet, "/flowchart/"+doc.ID+"/history/"+history.Revisions[0].ShortHash, nil, "u1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view RevisionView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, doc.ID, view.Document.ID)
	assert.Equal(t, history.Revisions[0].Hash, view.Revision.Hash)

	resp, _ = h.do(t, http.MethodGet, "/flowchart/"+doc.ID+"/history/0000000", nil, "u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/flowchart/fc_missing/history", nil, "u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, body := h.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	resp, body = h.do(t, http.MethodGet, "/api/ready", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready map[string]any
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "ready", ready["status"])

	resp, body = h.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowsync_http_requests_total")
}

func TestReadyReportsStoreOutage(t *testing.T) {
	h := newHarness(t, harnessOptions{store: unavailableStore{store.NewMemoryStore()}})
	resp, body := h.do(t, http.MethodGet, "/api/ready", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "not_ready")
}
