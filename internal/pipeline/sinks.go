package pipeline

import (
	"log"
	"sync"
	"sync/atomic"

	"vigil/internal/activity"
	"vigil/internal/cascade"
)

// Recorder persists results to a store. Frames stopped at the motion gate
// are only stored when recordSkipped is set.
type Recorder struct {
	store         ResultStore
	recordSkipped bool
	saved         atomic.Uint64
	failed        atomic.Uint64
}

// NewRecorder creates a recorder for store.
func NewRecorder(store ResultStore, recordSkipped bool) *Recorder {
	return &Recorder{store: store, recordSkipped: recordSkipped}
}

// OnResult implements ResultHandler
func (r *Recorder) OnResult(result *cascade.Result) {
	if result == nil || (result.Skipped() && !r.recordSkipped) {
		return
	}
	if _, err := r.store.SaveResult(result); err != nil {
		r.failed.Add(1)
		log.Printf("[Pipeline] Failed to store result %s/%d: %v", result.StreamID, result.FrameSeq, err)
		return
	}
	r.saved.Add(1)
}

// Counts returns how many results were stored and how many failed.
func (r *Recorder) Counts() (saved, failed uint64) {
	return r.saved.Load(), r.failed.Load()
}

// ActivityLogger logs activity tier changes per stream.
type ActivityLogger struct {
	last map[string]activity.Tier
	mu   sync.Mutex
}

// NewActivityLogger creates an activity logger.
func NewActivityLogger() *ActivityLogger {
	return &ActivityLogger{last: make(map[string]activity.Tier)}
}

// OnResult implements ResultHandler
func (l *ActivityLogger) OnResult(result *cascade.Result) {
	if result == nil {
		return
	}
	l.mu.Lock()
	prev, seen := l.last[result.StreamID]
	l.last[result.StreamID] = result.Activity
	l.mu.Unlock()

	if seen && prev != result.Activity {
		log.Printf("[Pipeline] Stream %s activity %s -> %s (motion %.1f%%, %d tracks)",
			result.StreamID, prev, result.Activity, result.MotionPercent, len(result.LiveTracks))
	}
}

var (
	_ ResultHandler = (*Recorder)(nil)
	_ ResultHandler = (*ActivityLogger)(nil)
)
