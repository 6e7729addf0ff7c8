package cascade

import (
	"fmt"
	"time"

	"vigil/internal/activity"
	"vigil/internal/geom"
	"vigil/internal/motion"
	"vigil/internal/tracker"
)

// DetectionLevel is the ordinal confidence that the focus class is present.
type DetectionLevel int

const (
	DetectionNone DetectionLevel = iota
	DetectionLow
	DetectionMedium
	DetectionHigh
	DetectionConfirmed
)

var detectionNames = [...]string{
	DetectionNone:      "none",
	DetectionLow:       "low",
	DetectionMedium:    "medium",
	DetectionHigh:      "high",
	DetectionConfirmed: "confirmed",
}

func (l DetectionLevel) String() string {
	if l < 0 || int(l) >= len(detectionNames) {
		return fmt.Sprintf("detection(%d)", int(l))
	}
	return detectionNames[l]
}

func (l DetectionLevel) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(detectionNames) {
		return nil, fmt.Errorf("unknown detection level %d", int(l))
	}
	return []byte(detectionNames[l]), nil
}

func (l *DetectionLevel) UnmarshalText(text []byte) error {
	for i, name := range detectionNames {
		if name == string(text) {
			*l = DetectionLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown detection level %q", text)
}

// Skip reasons.
const (
	SkipMotionGate = "motion_gate"
	SkipNoTarget   = "no_target"
)

// Degradation annotations.
const (
	DegradedDetector        = "detector_error"
	DegradedDetectorTimeout = "detector_timeout"
	DegradedEmbedder        = "embedder_error"
	DegradedInference       = "inference_error"
)

// Timings are per-stage wall times in milliseconds.
type Timings struct {
	MotionMs   float64 `json:"motion_ms"`
	EmbedMs    float64 `json:"embed_ms"`
	DetectMs   float64 `json:"detect_ms"`
	TrackMs    float64 `json:"track_ms"`
	ClassifyMs float64 `json:"classify_ms"`
	InferMs    float64 `json:"infer_ms"`
	TotalMs    float64 `json:"total_ms"`
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Result is the per-frame output of the cascade. It is built fresh for
// every frame and carries no state between frames.
type Result struct {
	StreamID            string             `json:"stream_id"`
	FrameSeq            uint64             `json:"frame_seq"`
	Timestamp           time.Time          `json:"timestamp"`
	HasTarget           bool               `json:"has_target"`
	DetectionLevel      DetectionLevel     `json:"detection_level"`
	MotionLevel         motion.Level       `json:"motion_level"`
	MotionPercent       float64            `json:"motion_percent"`
	FirstFrame          bool               `json:"is_first_frame"`
	FrameUnavailable    bool               `json:"frame_unavailable"`
	DetectionCount      int                `json:"detection_count"`
	Detections          []geom.BoundingBox `json:"detections"`
	LiveTracks          []tracker.Track    `json:"live_tracks"`
	Activity            activity.Tier      `json:"activity"`
	ShouldEscalateLight bool               `json:"should_escalate_light"`
	ShouldEscalateHeavy bool               `json:"should_escalate_heavy"`
	SkipReason          string             `json:"skip_reason,omitempty"`
	Degraded            []string           `json:"degraded,omitempty"`
	Keyframe            bool               `json:"keyframe"`
	KeyframeReason      string             `json:"keyframe_reason,omitempty"`
	Summary             string             `json:"summary,omitempty"`
	SummaryModel        string             `json:"summary_model,omitempty"`
	Timings             Timings            `json:"timings"`
}

// Skipped reports whether a stage short-circuited the frame.
func (r *Result) Skipped() bool {
	return r.SkipReason == SkipMotionGate
}

// ConfirmedTracks returns the live tracks in the Confirmed state.
func (r *Result) ConfirmedTracks() []tracker.Track {
	var out []tracker.Track
	for _, t := range r.LiveTracks {
		if t.State == tracker.Confirmed {
			out = append(out, t)
		}
	}
	return out
}

func (r *Result) degrade(reason string) {
	for _, d := range r.Degraded {
		if d == reason {
			return
		}
	}
	r.Degraded = append(r.Degraded, reason)
}

// Degrade records a soft failure on the result.
func (r *Result) Degrade(reason string) {
	r.degrade(reason)
}
