package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/activity"
	"vigil/internal/auth"
	"vigil/internal/cascade"
	"vigil/internal/database"
	"vigil/internal/pipeline"
	"vigil/internal/tracker"
	"vigil/internal/ws"
)

type fakeStreams struct {
	caps      *pipeline.Capabilities
	tracks    map[string][]tracker.Track
	escalated []string
}

func (f *fakeStreams) Streams() []pipeline.StreamStatus {
	var out []pipeline.StreamStatus
	for id := range f.tracks {
		out = append(out, pipeline.StreamStatus{StreamID: id, Running: true})
	}
	return out
}

func (f *fakeStreams) Status(id string) (pipeline.StreamStatus, error) {
	if _, ok := f.tracks[id]; !ok {
		return pipeline.StreamStatus{}, fmt.Errorf("%w: %s", pipeline.ErrStreamNotFound, id)
	}
	return pipeline.StreamStatus{StreamID: id, Running: true}, nil
}

func (f *fakeStreams) StreamTracks(id string) ([]tracker.Track, bool) {
	t, ok := f.tracks[id]
	return t, ok
}

func (f *fakeStreams) LastResult(id string) (*cascade.Result, error) {
	if _, ok := f.tracks[id]; !ok {
		return nil, pipeline.ErrStreamNotFound
	}
	return nil, nil
}

func (f *fakeStreams) RequestHeavy(id string) error {
	if _, ok := f.tracks[id]; !ok {
		return pipeline.ErrStreamNotFound
	}
	f.escalated = append(f.escalated, id)
	return nil
}

func (f *fakeStreams) Capabilities() *pipeline.Capabilities { return f.caps }

type staticHealth bool

func (h staticHealth) IsHealthy(context.Context) bool { return bool(h) }

type fixture struct {
	srv     *httptest.Server
	db      *database.Database
	streams *fakeStreams
}

func newFixture(t *testing.T, authEnabled bool, detectorUp bool) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	cfg := auth.DefaultConfig()
	cfg.Enabled = authEnabled
	cfg.Password = "hunter2"
	cfg.JWTSecret = "test-secret"
	authenticator, err := auth.NewAuthenticator(cfg)
	require.NoError(t, err)

	caps, err := pipeline.NewCapabilities(activity.DefaultProfiles())
	require.NoError(t, err)
	streams := &fakeStreams{
		caps: caps,
		tracks: map[string][]tracker.Track{
			"cam-1": {{ID: 3, ClassName: "person", State: tracker.Confirmed}},
		},
	}

	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	handler := newHandler(&api{
		streams:  streams,
		store:    db,
		auth:     authenticator,
		hub:      hub,
		detector: staticHealth(detectorUp),
		logger:   log.New(io.Discard, "", 0),
	}, false)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, db: db, streams: streams}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, true, true)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newFixture(t, false, false)
	resp, body = down.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "unavailable")
}

func TestLoginProtectsAPI(t *testing.T) {
	f := newFixture(t, true, true)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/streams", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/login", "", loginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/login", "", loginRequest{Username: "admin", Password: "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login loginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)
	assert.Greater(t, login.ExpiresAt, time.Now().Unix())

	resp, body = f.do(t, http.MethodGet, "/api/v1/streams", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"cam-1"`)
}

func TestLoginWhenAuthDisabled(t *testing.T) {
	f := newFixture(t, false, true)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/login", "", loginRequest{Username: "admin", Password: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/streams", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamEndpoints(t *testing.T) {
	f := newFixture(t, false, true)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/streams/cam-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/streams/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "stream not found")

	resp, body = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/tracks", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tracks []map[string]any
	require.NoError(t, json.Unmarshal(body, &tracks))
	require.Len(t, tracks, 1)
	assert.Equal(t, "confirmed", tracks[0]["state"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/latest", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/streams/cam-1/escalate", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"cam-1"}, f.streams.escalated)

	resp, body = f.do(t, http.MethodGet, "/api/v1/capabilities", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"llava:13b"`)
}

func TestResultsEndpoint(t *testing.T) {
	f := newFixture(t, false, true)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := f.db.SaveResult(&cascade.Result{
			StreamID:  "cam-1",
			FrameSeq:  seq,
			Timestamp: base.Add(time.Duration(seq) * time.Second),
			HasTarget: seq != 2,
			LiveTracks: []tracker.Track{
				{ID: 3, ClassName: "person", State: tracker.Confirmed},
			},
		})
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/streams/cam-1/results?limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []struct {
		ID     string         `json:"id"`
		Result cascade.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 2)
	assert.Equal(t, uint64(3), views[0].Result.FrameSeq)
	assert.NotEmpty(t, views[0].ID)

	resp, body = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/results?target_only=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &views))
	assert.Len(t, views, 2)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/results?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/results?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/tracks/3?limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []database.TrackRecord
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Len(t, hist, 3)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/streams/cam-1/tracks/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMJPEGStreamID(t *testing.T) {
	for path, want := range map[string]string{
		"/api/v1/streams/cam-1/mjpeg":   "cam-1",
		"/api/v1/streams//mjpeg":        "",
		"/api/v1/streams/a/b/mjpeg":     "",
		"/api/v1/streams/cam-1/results": "",
		"/ws/streams/cam-1":             "",
	} {
		id, ok := mjpegStreamID(path)
		assert.Equal(t, want != "", ok, path)
		assert.Equal(t, want, id, path)
	}
}

func TestLiveViewDisabled(t *testing.T) {
	f := newFixture(t, false, true)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/streams/cam-1/snapshot", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
