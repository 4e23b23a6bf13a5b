package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/slidescan/internal/errors"
	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/eventbus"
	"github.com/3leaps/slidescan/pkg/statusstore"
	"github.com/3leaps/slidescan/pkg/taskqueue"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted [][]analysis.JobKey
}

func (q *fakeQueue) Submit(_ context.Context, keys []analysis.JobKey) []analysis.StatusRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted = append(q.submitted, keys)
	out := make([]analysis.StatusRecord, len(keys))
	for i, k := range keys {
		out[i] = analysis.Queued(k, time.Now(), 1)
	}
	return out
}

func (q *fakeQueue) Stats() taskqueue.Stats {
	return taskqueue.Stats{Running: 1, Pending: 3, MaxConcurrent: 2}
}

type fakeStore struct {
	recs []analysis.StatusRecord
}

func (s *fakeStore) List() []analysis.StatusRecord { return s.recs }

func (s *fakeStore) Stats() statusstore.Stats {
	return statusstore.Stats{Records: len(s.recs)}
}

type fakePreviewer struct {
	name string
	err  error
}

func (p fakePreviewer) Extract(_ context.Context, folder, file string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if folder == "" || file == "" {
		return "", fmt.Errorf("%w: missing", analysis.ErrInvalidKey)
	}
	return p.name, nil
}

type fakePipeline struct{}

func (fakePipeline) Invocations() int64 { return 7 }
func (fakePipeline) CacheHits() int64   { return 3 }

func newTestAPI(t *testing.T, store *fakeStore, previewer Previewer) (*API, *fakeQueue, *eventbus.Bus) {
	t.Helper()
	q := &fakeQueue{}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	if store == nil {
		store = &fakeStore{}
	}
	api, err := NewAPI(APIDeps{Queue: q, Store: store, Events: bus, Previewer: previewer, Pipeline: fakePipeline{}})
	require.NoError(t, err)
	return api, q, bus
}

func postJSON(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewAPIRequiresDeps(t *testing.T) {
	_, err := NewAPI(APIDeps{})
	assert.Error(t, err)
}

func TestAnalyze(t *testing.T) {
	api, q, _ := newTestAPI(t, nil, nil)

	rec := postJSON(t, api.Analyze, "/api/analyze",
		`{"folderPath":"/data/slides","files":["a.svs","b.svs"],"isNormalized":"notNormalized"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp FileInfosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.FileInfos, 2)
	assert.Equal(t, "a.svs", resp.FileInfos[0].File)
	assert.Equal(t, analysis.VariantNotNormalized, resp.FileInfos[0].IsNormalized)
	assert.Equal(t, analysis.StateQueued, resp.FileInfos[0].Status)
	assert.Nil(t, resp.FileInfos[0].Result)

	require.Len(t, q.submitted, 1)
	assert.Equal(t, analysis.JobKey{ContainerPath: "/data/slides", FileID: "b.svs", Variant: analysis.VariantNotNormalized}, q.submitted[0][1])
}

func TestAnalyzeResultIsNullWhenAbsent(t *testing.T) {
	api, _, _ := newTestAPI(t, nil, nil)
	rec := postJSON(t, api.Analyze, "/api/analyze", `{"folderPath":"/d","files":["a.svs"],"isNormalized":"normalized"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":null`)
}

func TestAnalyzeValidation(t *testing.T) {
	api, q, _ := newTestAPI(t, nil, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"empty body", ``, apperrors.CodeBadRequest},
		{"bad json", `{"files":`, apperrors.CodeBadRequest},
		{"files not array", `{"folderPath":"/d","files":"a.svs","isNormalized":"normalized"}`, apperrors.CodeBadRequest},
		{"files missing", `{"folderPath":"/d","isNormalized":"normalized"}`, apperrors.CodeValidation},
		{"folder missing", `{"files":["a.svs"],"isNormalized":"normalized"}`, apperrors.CodeValidation},
		{"unknown variant", `{"folderPath":"/d","files":["a.svs"],"isNormalized":"stain"}`, apperrors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, api.Analyze, "/api/analyze", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
		})
	}
	assert.Empty(t, q.submitted)
}

func TestStatus(t *testing.T) {
	res, err := analysis.ParseResult([]byte(`{"tsr":0.52}`))
	require.NoError(t, err)
	now := time.Now()
	store := &fakeStore{recs: []analysis.StatusRecord{
		analysis.Queued(analysis.JobKey{ContainerPath: "/d", FileID: "a.svs", Variant: analysis.VariantNormalized}, now, 1).Running(now).Completed(res, now),
		analysis.Queued(analysis.JobKey{ContainerPath: "/d", FileID: "b.svs", Variant: analysis.VariantNormalized}, now, 2).
			Failed(analysis.ErrorInfo{Kind: analysis.KindExternalProcess, Message: "Traceback"}, now),
	}}
	api, _, _ := newTestAPI(t, store, nil)

	rec := httptest.NewRecorder()
	api.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FileInfosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.FileInfos, 2)
	assert.Equal(t, analysis.StateCompleted, resp.FileInfos[0].Status)
	assert.True(t, res.Equal(resp.FileInfos[0].Result))
	require.NotNil(t, resp.FileInfos[1].Error)
	assert.Equal(t, "Traceback", resp.FileInfos[1].Error.Message)
	assert.Equal(t, 2, resp.FileInfos[1].Attempts)
}

func TestStats(t *testing.T) {
	api, _, _ := newTestAPI(t, &fakeStore{}, nil)

	rec := httptest.NewRecorder()
	api.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Queue.Pending)
	require.NotNil(t, resp.Pipeline)
	assert.Equal(t, int64(3), resp.Pipeline.CacheHits)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.svs", "a.SVS", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	api, _, _ := newTestAPI(t, nil, nil)

	body, err := json.Marshal(map[string]string{"folderPath": dir})
	require.NoError(t, err)
	rec := postJSON(t, api.Files, "/api/files", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp FilesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a.SVS", "b.svs"}, resp.Files)

	t.Run("missing folder", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"folderPath": filepath.Join(dir, "nope")})
		rec := postJSON(t, api.Files, "/api/files", string(body))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty folder path", func(t *testing.T) {
		rec := postJSON(t, api.Files, "/api/files", `{"folderPath":""}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPreview(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		api, _, _ := newTestAPI(t, nil, fakePreviewer{name: "slides_a.png"})
		rec := postJSON(t, api.Preview, "/api/preview", `{"slide_folder":"/d/slides","slide_file_name":"a.svs"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PreviewResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "slides_a.png", resp.ImgFileName)
	})

	t.Run("invalid input", func(t *testing.T) {
		api, _, _ := newTestAPI(t, nil, fakePreviewer{name: "x.png"})
		rec := postJSON(t, api.Preview, "/api/preview", `{"slide_folder":"","slide_file_name":"a.svs"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("tool failure", func(t *testing.T) {
		api, _, _ := newTestAPI(t, nil, fakePreviewer{err: analysis.NewJobError("preview", analysis.JobKey{}, analysis.ErrExternalProcess, errors.New("exit status 1"), "")})
		rec := postJSON(t, api.Preview, "/api/preview", `{"slide_folder":"/d","slide_file_name":"a.svs"}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, string(analysis.KindExternalProcess), resp.Error.Details["kind"])
	})

	t.Run("not configured", func(t *testing.T) {
		api, _, _ := newTestAPI(t, nil, nil)
		rec := postJSON(t, api.Preview, "/api/preview", `{"slide_folder":"/d","slide_file_name":"a.svs"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestEventsStream(t *testing.T) {
	now := time.Now()
	existing := analysis.Queued(analysis.JobKey{ContainerPath: "/d", FileID: "old.svs", Variant: analysis.VariantNormalized}, now, 1)
	api, _, bus := newTestAPI(t, &fakeStore{recs: []analysis.StatusRecord{existing}}, nil)

	srv := httptest.NewServer(http.HandlerFunc(api.Events))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?snapshot=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() eventbus.Event {
		t.Helper()
		require.True(t, lines.Scan(), "stream ended early: %v", lines.Err())
		var e eventbus.Event
		require.NoError(t, json.Unmarshal(lines.Bytes(), &e))
		return e
	}

	assert.Equal(t, EventStreamConnected, next().Name)
	snap := next()
	assert.Equal(t, eventbus.EventJobStatusChanged, snap.Name)
	assert.Equal(t, "old.svs", snap.Key.FileID)

	rec := analysis.Queued(analysis.JobKey{ContainerPath: "/d", FileID: "new.svs", Variant: analysis.VariantNormalized}, now, 1).Running(now)
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)
	bus.Notify(rec)

	live := next()
	assert.Equal(t, "new.svs", live.Key.FileID)
	assert.Equal(t, analysis.StateRunning, live.State)

	cancel()
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}
