package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/cascade"
	"vigil/internal/media"
	"vigil/internal/motion"
	"vigil/internal/tracker"
)

// ErrStreamNotFound is returned for operations on unknown stream ids.
var ErrStreamNotFound = errors.New("stream not found")

// StreamPipeline runs the cascade and the escalation runner over the
// frames of one stream, strictly in sequence.
type StreamPipeline struct {
	src       StreamSource
	cascade   *cascade.Cascade
	escalator *Escalator
	bus       *EventBus

	forceHeavy atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}

	mu     sync.RWMutex
	tracks []tracker.Track
	last   *cascade.Result
	stats  PipelineStats
}

func newStreamPipeline(src StreamSource, c *cascade.Cascade, e *Escalator, bus *EventBus) *StreamPipeline {
	return &StreamPipeline{
		src:       src,
		cascade:   c,
		escalator: e,
		bus:       bus,
		done:      make(chan struct{}),
		stats:     PipelineStats{StreamID: src.StreamID},
	}
}

// run is the main processing loop for a single stream
func (p *StreamPipeline) run(ctx context.Context, sub *FrameSubscription) {
	defer close(p.done)
	log.Printf("[Pipeline] Processing loop started for stream %s", p.src.StreamID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case frame := <-sub.Channel:
			if frame == nil {
				continue
			}
			p.process(ctx, frame)
		}
	}
}

// process runs one frame through every stage and publishes the result.
func (p *StreamPipeline) process(ctx context.Context, frame *media.Frame) *cascade.Result {
	force := p.forceHeavy.Load()
	r := p.cascade.ProcessWith(ctx, frame, nil, cascade.ProcessOptions{
		ForceHeavy: force,
	})
	// A forced request waits for the first frame that gets past the gate.
	if force && !r.Skipped() {
		p.forceHeavy.CompareAndSwap(true, false)
	}
	escalated := r.ShouldEscalateLight || r.ShouldEscalateHeavy
	inferred := p.escalator.Run(ctx, frame, r)

	p.mu.Lock()
	p.tracks = r.LiveTracks
	p.last = r
	s := &p.stats
	s.FramesProcessed++
	if r.Skipped() {
		s.FramesSkipped++
	}
	if len(r.Degraded) > 0 {
		s.Degraded++
	}
	if escalated {
		s.Escalations++
	}
	if inferred {
		s.Inferences++
		if slices.Contains(r.Degraded, cascade.DegradedInference) {
			s.InferenceErrors++
		}
	}
	// Exponential moving average keeps the figure responsive to load.
	if s.FramesProcessed == 1 {
		s.AvgTotalMs = r.Timings.TotalMs
	} else {
		s.AvgTotalMs = 0.9*s.AvgTotalMs + 0.1*r.Timings.TotalMs
	}
	s.Activity = r.Activity
	s.LastResultTime = r.Timestamp
	p.mu.Unlock()

	if r.Summary != "" {
		log.Printf("[Pipeline] Stream %s frame %d (%s, %s): %s", r.StreamID, r.FrameSeq, r.Activity, r.SummaryModel, r.Summary)
	}

	p.bus.Publish(r)
	return r
}

func (p *StreamPipeline) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		log.Printf("[Pipeline] Stream %s did not stop within 5s", p.src.StreamID)
	}
}

func (p *StreamPipeline) snapshot() ([]tracker.Track, *cascade.Result, PipelineStats) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tracks := make([]tracker.Track, len(p.tracks))
	copy(tracks, p.tracks)
	return tracks, p.last, p.stats
}

// ManagerConfig holds the settings shared by every stream.
type ManagerConfig struct {
	Escalation EscalatorConfig
	Keyframe   motion.KeyframeConfig
	BufferSize int // frames buffered per subscription
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithInferencer enables escalation to a vision-language service.
func WithInferencer(i cascade.Inferencer) ManagerOption {
	return func(m *Manager) { m.inferencer = i }
}

// WithEmbedder enables appearance re-identification in every stream.
func WithEmbedder(e cascade.Embedder) ManagerOption {
	return func(m *Manager) { m.embedder = e }
}

// Manager owns one pipeline per stream id.
type Manager struct {
	cfg        ManagerConfig
	provider   FrameProvider
	bus        *EventBus
	detector   cascade.Detector
	inferencer cascade.Inferencer
	embedder   cascade.Embedder
	caps       *Capabilities

	pipelines map[string]*StreamPipeline
	mu        sync.RWMutex
}

// NewManager creates a manager. caps is shared read-only by every stream.
func NewManager(cfg ManagerConfig, provider FrameProvider, bus *EventBus, detector cascade.Detector, caps *Capabilities, opts ...ManagerOption) (*Manager, error) {
	if provider == nil || bus == nil || detector == nil || caps == nil {
		return nil, errors.New("pipeline: provider, bus, detector and capabilities are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 5
	}
	m := &Manager{
		cfg:       cfg,
		provider:  provider,
		bus:       bus,
		detector:  detector,
		caps:      caps,
		pipelines: make(map[string]*StreamPipeline),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StartStream builds the cascade for src from cfg, starts capture and the
// processing loop.
func (m *Manager) StartStream(src StreamSource, cfg cascade.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pipelines[src.StreamID]; exists {
		return fmt.Errorf("pipeline already exists for stream %s", src.StreamID)
	}

	var opts []cascade.Option
	if m.embedder != nil {
		opts = append(opts, cascade.WithEmbedder(m.embedder))
	}
	c, err := cascade.New(cfg, m.detector, opts...)
	if err != nil {
		return fmt.Errorf("stream %s: %w", src.StreamID, err)
	}
	esc, err := NewEscalator(m.cfg.Escalation, m.inferencer, m.caps, m.cfg.Keyframe)
	if err != nil {
		return fmt.Errorf("stream %s: %w", src.StreamID, err)
	}

	if err := m.provider.Start(src); err != nil {
		return fmt.Errorf("stream %s: start capture: %w", src.StreamID, err)
	}
	sub, err := m.provider.Subscribe(src.StreamID, m.cfg.BufferSize)
	if err != nil {
		m.provider.Stop(src.StreamID)
		return fmt.Errorf("stream %s: subscribe: %w", src.StreamID, err)
	}

	p := newStreamPipeline(src, c, esc, m.bus)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = func() {
		cancel()
		m.provider.Unsubscribe(sub)
	}
	m.pipelines[src.StreamID] = p
	go p.run(ctx, sub)

	log.Printf("[Pipeline] Started stream %s (focus: %q, inference: %t)", src.StreamID, cfg.FocusClass, m.inferencer != nil)
	return nil
}

// StopStream halts processing and capture for a stream
func (m *Manager) StopStream(streamID string) error {
	m.mu.Lock()
	p, exists := m.pipelines[streamID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	delete(m.pipelines, streamID)
	m.mu.Unlock()

	p.stop()
	if err := m.provider.Stop(streamID); err != nil {
		log.Printf("[Pipeline] Stop capture for stream %s: %v", streamID, err)
	}
	log.Printf("[Pipeline] Stopped stream %s", streamID)
	return nil
}

func (m *Manager) pipeline(streamID string) (*StreamPipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[streamID]
	return p, ok
}

// StreamTracks returns the live tracks after the last processed frame.
func (m *Manager) StreamTracks(streamID string) ([]tracker.Track, bool) {
	p, ok := m.pipeline(streamID)
	if !ok {
		return nil, false
	}
	tracks, _, _ := p.snapshot()
	return tracks, true
}

// LastResult returns the most recent result of a stream, nil before the
// first frame.
func (m *Manager) LastResult(streamID string) (*cascade.Result, error) {
	p, ok := m.pipeline(streamID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	_, last, _ := p.snapshot()
	return last, nil
}

// Status returns the state of one stream.
func (m *Manager) Status(streamID string) (StreamStatus, error) {
	p, ok := m.pipeline(streamID)
	if !ok {
		return StreamStatus{}, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	return m.status(p), nil
}

func (m *Manager) status(p *StreamPipeline) StreamStatus {
	_, _, stats := p.snapshot()
	stats.Capture = m.provider.GetStats(p.src.StreamID)
	return StreamStatus{
		StreamID: p.src.StreamID,
		Source:   p.src.Source,
		Running:  m.provider.IsRunning(p.src.StreamID),
		Stats:    stats,
	}
}

// Streams returns the state of every stream, ordered by id.
func (m *Manager) Streams() []StreamStatus {
	m.mu.RLock()
	pipelines := make([]*StreamPipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.RUnlock()

	out := make([]StreamStatus, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, m.status(p))
	}
	slices.SortFunc(out, func(a, b StreamStatus) int { return strings.Compare(a.StreamID, b.StreamID) })
	return out
}

// RequestHeavy asks for heavy escalation on the next frame of a stream.
func (m *Manager) RequestHeavy(streamID string) error {
	p, ok := m.pipeline(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	p.forceHeavy.Store(true)
	return nil
}

// Capabilities returns the shared capability table.
func (m *Manager) Capabilities() *Capabilities {
	return m.caps
}

// Close stops every stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopStream(id); err != nil {
			errs = append(errs, err)
		}
	}
	log.Printf("[Pipeline] Closed all stream pipelines")
	return errors.Join(errs...)
}
