package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"vigil/internal/auth"
	"vigil/internal/cascade"
	"vigil/internal/database"
	authmw "vigil/internal/middleware"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
	"vigil/internal/tracker"
	"vigil/internal/ws"
)

// streamService is the part of the pipeline manager the API reads.
type streamService interface {
	Streams() []pipeline.StreamStatus
	Status(streamID string) (pipeline.StreamStatus, error)
	StreamTracks(streamID string) ([]tracker.Track, bool)
	LastResult(streamID string) (*cascade.Result, error)
	RequestHeavy(streamID string) error
	Capabilities() *pipeline.Capabilities
}

// resultStore is the part of the database the API reads.
type resultStore interface {
	ListResults(f database.ResultFilter) ([]*database.ResultRecord, error)
	TrackHistory(streamID string, trackID uint64, limit int) ([]database.TrackRecord, error)
	Ping() error
}

// healthChecker is implemented by the remote detection clients.
type healthChecker interface {
	IsHealthy(ctx context.Context) bool
}

type api struct {
	streams  streamService
	store    resultStore
	auth     *auth.Authenticator
	hub      *ws.Hub
	viewer   *stream.Viewer
	detector healthChecker
	logger   *log.Logger
	mux      goahttp.Muxer
}

const (
	defaultResultLimit = 50
	maxResultLimit     = 1000
)

type errorBody struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type resultView struct {
	ID     string          `json:"id"`
	Result *cascade.Result `json:"result"`
}

// newHandler builds the API handler: goa muxer for the JSON routes, the
// WebSocket feed beside it, authentication in front of both.
func newHandler(a *api, debug bool) http.Handler {
	// Setup goa log adapter.
	adapter := middleware.NewLogger(a.logger)

	mux := goahttp.NewMuxer()
	a.mux = mux
	mux.Handle(http.MethodGet, "/healthz", a.health)
	mux.Handle(http.MethodGet, "/readyz", a.ready)
	mux.Handle(http.MethodPost, "/api/v1/login", a.login)
	mux.Handle(http.MethodGet, "/api/v1/capabilities", a.capabilities)
	mux.Handle(http.MethodGet, "/api/v1/streams", a.listStreams)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}", a.getStream)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}/results", a.listResults)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}/latest", a.latestResult)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}/tracks", a.listTracks)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}/tracks/{track}", a.trackHistory)
	mux.Handle(http.MethodPost, "/api/v1/streams/{id}/escalate", a.escalate)
	mux.Handle(http.MethodGet, "/api/v1/streams/{id}/snapshot", a.snapshot)

	var logged http.Handler = mux
	{
		if debug {
			logged = httpmdlwr.Debug(mux, os.Stdout)(logged)
		}
		logged = httpmdlwr.Log(adapter)(logged)
	}

	// The WebSocket upgrade and the MJPEG feed need the raw writer, so they
	// bypass the response-capturing log middleware.
	feed := ws.NewHandler(a.hub, a.streams)
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, ws.PathPrefix) {
			feed.ServeHTTP(w, r)
			return
		}
		if id, ok := mjpegStreamID(r.URL.Path); ok && r.Method == http.MethodGet && a.viewer != nil {
			a.viewer.ServeMJPEG(w, r, id)
			return
		}
		logged.ServeHTTP(w, r)
	})

	var handler http.Handler = root
	{
		handler = authmw.AuthMiddleware(a.auth, "/healthz", "/readyz", "/api/v1/login")(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	return handler
}

// handleHTTPServer starts the HTTP server on addr. It shuts down the server
// when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, shutdownTimeout time.Duration, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}

func (a *api) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		a.logger.Printf("[%s] ERROR: encoding: %s", requestID(r.Context()), err)
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := requestID(r.Context())
	if status >= http.StatusInternalServerError {
		a.logger.Printf("[%s] ERROR: %s", id, err)
	}
	a.writeJSON(w, r, status, errorBody{ID: id, Message: err.Error()})
}

func (a *api) param(r *http.Request, name string) string {
	return a.mux.Vars(r)[name]
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "detector": "ok"}
	status := http.StatusOK
	if err := a.store.Ping(); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if a.detector != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if !a.detector.IsHealthy(ctx) {
			checks["detector"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	a.writeJSON(w, r, status, checks)
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, errors.New("invalid login body"))
		return
	}
	token, expiresAt, err := a.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		a.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, auth.ErrInvalidCredentials):
		a.writeError(w, r, http.StatusUnauthorized, err)
	case err != nil:
		a.writeError(w, r, http.StatusInternalServerError, err)
	default:
		a.writeJSON(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

func (a *api) capabilities(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, a.streams.Capabilities().All())
}

func (a *api) listStreams(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, a.streams.Streams())
}

func (a *api) streamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pipeline.ErrStreamNotFound) {
		a.writeError(w, r, http.StatusNotFound, err)
		return
	}
	a.writeError(w, r, http.StatusInternalServerError, err)
}

func (a *api) getStream(w http.ResponseWriter, r *http.Request) {
	st, err := a.streams.Status(a.param(r, "id"))
	if err != nil {
		a.streamError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, st)
}

func (a *api) latestResult(w http.ResponseWriter, r *http.Request) {
	res, err := a.streams.LastResult(a.param(r, "id"))
	if err != nil {
		a.streamError(w, r, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeJSON(w, r, http.StatusOK, res)
}

func (a *api) listTracks(w http.ResponseWriter, r *http.Request) {
	id := a.param(r, "id")
	tracks, ok := a.streams.StreamTracks(id)
	if !ok {
		a.streamError(w, r, fmt.Errorf("%w: %s", pipeline.ErrStreamNotFound, id))
		return
	}
	if tracks == nil {
		tracks = []tracker.Track{}
	}
	a.writeJSON(w, r, http.StatusOK, tracks)
}

func (a *api) escalate(w http.ResponseWriter, r *http.Request) {
	id := a.param(r, "id")
	if err := a.streams.RequestHeavy(id); err != nil {
		a.streamError(w, r, err)
		return
	}
	operator := "anonymous"
	if claims := authmw.GetUserFromContext(r.Context()); claims != nil {
		operator = claims.Username
	}
	a.logger.Printf("[%s] heavy inference requested for %s by %s", requestID(r.Context()), id, operator)
	a.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	if a.viewer == nil {
		a.writeError(w, r, http.StatusNotFound, errors.New("live view disabled"))
		return
	}
	a.viewer.ServeSnapshot(w, r, a.param(r, "id"))
}

// mjpegStreamID matches /api/v1/streams/{id}/mjpeg.
func mjpegStreamID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/v1/streams/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/mjpeg")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultResultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxResultLimit), nil
}

func (a *api) listResults(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	filter := database.ResultFilter{StreamID: a.param(r, "id"), Limit: limit}
	q := r.URL.Query()
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, r, http.StatusBadRequest, errors.New("since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = &since
	}
	if raw := q.Get("target_only"); raw != "" {
		filter.TargetOnly, err = strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, r, http.StatusBadRequest, errors.New("target_only must be a boolean"))
			return
		}
	}

	recs, err := a.store.ListResults(filter)
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]resultView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, resultView{ID: rec.ID, Result: &rec.Result})
	}
	a.writeJSON(w, r, http.StatusOK, out)
}

func (a *api) trackHistory(w http.ResponseWriter, r *http.Request) {
	trackID, err := strconv.ParseUint(a.param(r, "track"), 10, 64)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, errors.New("track id must be a number"))
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	hist, err := a.store.TrackHistory(a.param(r, "id"), trackID, limit)
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if hist == nil {
		hist = []database.TrackRecord{}
	}
	a.writeJSON(w, r, http.StatusOK, hist)
}
