package pipeline

import (
	"vigil/internal/cascade"
)

// FrameProvider captures frames from stream sources and broadcasts to subscribers
type FrameProvider interface {
	// Start begins capturing frames for a stream
	Start(src StreamSource) error

	// Stop halts frame capture for a stream
	Stop(streamID string) error

	// Subscribe returns a channel that receives frames for a stream
	// Caller must call Unsubscribe when done to prevent resource leaks
	Subscribe(streamID string, bufferSize int) (*FrameSubscription, error)

	// Unsubscribe removes a frame subscription
	Unsubscribe(sub *FrameSubscription)

	// IsRunning returns true if a stream is actively capturing
	IsRunning(streamID string) bool

	// GetStats returns capture statistics for a stream
	GetStats(streamID string) *CaptureStats
}

// ResultHandler receives cascade results
type ResultHandler interface {
	// OnResult is called once per processed frame, in frame order
	OnResult(result *cascade.Result)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(result *cascade.Result)

func (f ResultHandlerFunc) OnResult(result *cascade.Result) { f(result) }

// ResultStore persists results.
type ResultStore interface {
	SaveResult(result *cascade.Result) (string, error)
}
