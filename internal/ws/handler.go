package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"vigil/internal/tracker"
)

// PathPrefix is where the handler is mounted.
const PathPrefix = "/ws/streams/"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the API sits behind the auth middleware
		return true
	},
}

// TrackSource reports the live tracks of a stream and whether the stream
// exists.
type TrackSource interface {
	StreamTracks(streamID string) ([]tracker.Track, bool)
}

// Handler handles WebSocket connections for real-time results
type Handler struct {
	hub    *Hub
	source TrackSource
}

// NewHandler creates a new WebSocket handler. source may be nil, in which
// case every stream id is accepted and no initial snapshot is sent.
func NewHandler(hub *Hub, source TrackSource) *Handler {
	return &Handler{hub: hub, source: source}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/streams/{stream_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if streamID == "" || strings.Contains(streamID, "/") {
		http.Error(w, "stream_id required", http.StatusBadRequest)
		return
	}

	var snapshot []tracker.Track
	if h.source != nil {
		tracks, ok := h.source.StreamTracks(streamID)
		if !ok {
			http.Error(w, "unknown stream", http.StatusNotFound)
			return
		}
		snapshot = tracks
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	log.Printf("[WS] New connection for stream %s from %s", streamID, r.RemoteAddr)

	c := &client{streamID: streamID, conn: conn, send: make(chan []byte, sendBuffer)}
	if h.source != nil {
		if data, err := json.Marshal(NewTracksMessage(streamID, snapshot)); err == nil {
			c.send <- data
		}
	}
	h.hub.register(c)

	go h.hub.writePump(c)
	go h.hub.readPump(c)
}
