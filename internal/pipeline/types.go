package pipeline

import (
	"time"

	"vigil/internal/activity"
	"vigil/internal/media"
)

// StreamSource describes where a stream's frames come from.
type StreamSource struct {
	StreamID string
	Source   string // V4L2 device, rtsp://, http(s):// stream or snapshot URL
	FPS      int
	Width    int
	Height   int
}

// FrameSubscription represents an active subscription to frame data
type FrameSubscription struct {
	StreamID string
	Channel  chan *media.Frame
	Done     chan struct{} // Closed when subscription is cancelled
}

// CaptureStats contains frame capture statistics
type CaptureStats struct {
	StreamID       string    `json:"stream_id"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	Restarts       uint64    `json:"restarts"`
}

// PipelineStats contains pipeline performance metrics
type PipelineStats struct {
	StreamID        string        `json:"stream_id"`
	Capture         *CaptureStats `json:"capture,omitempty"`
	FramesProcessed uint64        `json:"frames_processed"`
	FramesSkipped   uint64        `json:"frames_skipped"` // stopped at the motion gate
	Degraded        uint64        `json:"degraded"`
	Escalations     uint64        `json:"escalations"`
	Inferences      uint64        `json:"inferences"`
	InferenceErrors uint64        `json:"inference_errors"`
	AvgTotalMs      float64       `json:"avg_total_ms"`
	Activity        activity.Tier `json:"activity"`
	LastResultTime  time.Time     `json:"last_result_time"`
}

// StreamStatus is the externally visible state of one stream.
type StreamStatus struct {
	StreamID string        `json:"stream_id"`
	Source   string        `json:"source"`
	Running  bool          `json:"running"`
	Stats    PipelineStats `json:"stats"`
}
