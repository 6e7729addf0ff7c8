package ws

import (
	"time"

	"vigil/internal/cascade"
	"vigil/internal/tracker"
)

// Message types sent to subscribers.
const (
	TypeResult  = "result"
	TypeSummary = "summary"
	TypeTracks  = "tracks"
)

// ResultMessage carries one processed frame.
type ResultMessage struct {
	Type      string          `json:"type"` // "result"
	StreamID  string          `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Result    *cascade.Result `json:"result"`
}

// SummaryMessage carries the text returned by an escalation. It is sent in
// addition to the result so clients that only want narration can filter
// on type.
type SummaryMessage struct {
	Type      string    `json:"type"` // "summary"
	StreamID  string    `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameSeq  uint64    `json:"frame_seq"`
	Activity  string    `json:"activity"`
	Model     string    `json:"model"`
	Text      string    `json:"text"`
}

// TracksMessage is sent once on connect so a new client can draw the
// current tracks before the next frame arrives.
type TracksMessage struct {
	Type      string          `json:"type"` // "tracks"
	StreamID  string          `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Tracks    []tracker.Track `json:"tracks"`
}

// NewResultMessage wraps a result for broadcast.
func NewResultMessage(r *cascade.Result) *ResultMessage {
	return &ResultMessage{
		Type:      TypeResult,
		StreamID:  r.StreamID,
		Timestamp: r.Timestamp,
		Result:    r,
	}
}

// NewSummaryMessage returns nil when the result carries no summary.
func NewSummaryMessage(r *cascade.Result) *SummaryMessage {
	if r.Summary == "" {
		return nil
	}
	return &SummaryMessage{
		Type:      TypeSummary,
		StreamID:  r.StreamID,
		Timestamp: r.Timestamp,
		FrameSeq:  r.FrameSeq,
		Activity:  r.Activity.String(),
		Model:     r.SummaryModel,
		Text:      r.Summary,
	}
}

// NewTracksMessage creates a track snapshot message.
func NewTracksMessage(streamID string, tracks []tracker.Track) *TracksMessage {
	if tracks == nil {
		tracks = make([]tracker.Track, 0)
	}
	return &TracksMessage{
		Type:      TypeTracks,
		StreamID:  streamID,
		Timestamp: time.Now(),
		Tracks:    tracks,
	}
}
