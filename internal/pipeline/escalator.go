package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vigil/internal/activity"
	"vigil/internal/cascade"
	"vigil/internal/media"
	"vigil/internal/motion"
)

// EscalatorConfig tunes the escalation runner.
type EscalatorConfig struct {
	Prompt  string
	Timeout time.Duration
}

// Escalator turns escalation flags into vision-language calls for one
// stream. Inference only runs on keyframes, and never more often than the
// current tier's polling interval.
type Escalator struct {
	cfg        EscalatorConfig
	inferencer cascade.Inferencer
	caps       *Capabilities
	keyframes  *motion.KeyframeSelector
	now        func() time.Time

	lastInfer time.Time
}

// NewEscalator creates a runner. inferencer may be nil, in which case
// results are only annotated with keyframe decisions.
func NewEscalator(cfg EscalatorConfig, inferencer cascade.Inferencer, caps *Capabilities, keyframes motion.KeyframeConfig) (*Escalator, error) {
	if caps == nil {
		return nil, errors.New("escalator: capabilities are required")
	}
	if inferencer != nil && cfg.Timeout <= 0 {
		return nil, fmt.Errorf("escalator: timeout must be positive, got %s", cfg.Timeout)
	}
	sel, err := motion.NewKeyframeSelector(keyframes)
	if err != nil {
		return nil, err
	}
	return &Escalator{
		cfg:        cfg,
		inferencer: inferencer,
		caps:       caps,
		keyframes:  sel,
		now:        time.Now,
	}, nil
}

// KeyframeStats reports keyframe selection counters.
func (e *Escalator) KeyframeStats() motion.KeyframeStats {
	return e.keyframes.Stats()
}

// Run annotates r with the keyframe decision and, when r asks for
// escalation, calls the inferencer. It reports whether inference ran.
// Failures are recorded on r and never returned.
func (e *Escalator) Run(ctx context.Context, frame *media.Frame, r *cascade.Result) bool {
	if r.FrameUnavailable {
		return false
	}
	now := r.Timestamp
	if now.IsZero() {
		now = e.now()
	}
	r.Keyframe, r.KeyframeReason = e.keyframes.Select(frame, r.MotionPercent, r.DetectionCount > 0, now)

	want := activity.InferenceNone
	switch {
	case r.ShouldEscalateHeavy:
		want = activity.InferenceHeavy
	case r.ShouldEscalateLight:
		want = activity.InferenceLight
	}
	if want == activity.InferenceNone || e.inferencer == nil || !r.Keyframe {
		return false
	}

	capability, ok := e.caps.Lookup(r.Activity)
	if ok && !e.lastInfer.IsZero() && now.Sub(e.lastInfer) < capability.PollingInterval {
		return false
	}
	model, ok := e.caps.ModelFor(r.Activity, want)
	if !ok {
		log.Printf("[Escalator] No %s model configured for stream %s at tier %s", want, r.StreamID, r.Activity)
		return false
	}

	e.lastInfer = now
	start := time.Now()
	ictx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	text, err := e.inferencer.Infer(ictx, frame, model, e.cfg.Prompt)
	cancel()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	r.Timings.InferMs = elapsed
	r.Timings.TotalMs += elapsed

	if err != nil {
		log.Printf("[Escalator] Inference with %s failed for stream %s frame %d: %v", model, r.StreamID, r.FrameSeq, err)
		r.Degrade(cascade.DegradedInference)
		return true
	}
	r.Summary = text
	r.SummaryModel = model
	return true
}

// Reset clears keyframe and throttle state.
func (e *Escalator) Reset() {
	e.keyframes.Reset()
	e.lastInfer = time.Time{}
}
