package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/media"
)

const (
	restartDelay    = 2 * time.Second
	maxRestartDelay = 30 * time.Second
	maxFrameBuffer  = 8 << 20
)

// FFmpegFrameProvider captures frames from streams using FFmpeg
// and broadcasts to multiple subscribers
type FFmpegFrameProvider struct {
	streams map[string]*streamCapture
	mu      sync.RWMutex
	ffmpeg  string
}

// streamCapture handles frame capture for a single stream
type streamCapture struct {
	src         StreamSource
	ffmpeg      string
	running     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[*FrameSubscription]bool
	subMu       sync.RWMutex
	frameSeq    atomic.Uint64
	stats       CaptureStats
	statsMu     sync.RWMutex
}

// NewFFmpegFrameProvider creates a new FFmpeg-based frame provider.
// ffmpegPath defaults to "ffmpeg" on $PATH.
func NewFFmpegFrameProvider(ffmpegPath string) *FFmpegFrameProvider {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegFrameProvider{
		streams: make(map[string]*streamCapture),
		ffmpeg:  ffmpegPath,
	}
}

func (p *FFmpegFrameProvider) Start(src StreamSource) error {
	if src.StreamID == "" || src.Source == "" {
		return fmt.Errorf("stream id and source are required")
	}
	if src.FPS <= 0 {
		src.FPS = 5
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.streams[src.StreamID]; exists {
		return fmt.Errorf("stream %s already started", src.StreamID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	capture := &streamCapture{
		src:         src,
		ffmpeg:      p.ffmpeg,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[*FrameSubscription]bool),
		stats:       CaptureStats{StreamID: src.StreamID},
	}
	p.streams[src.StreamID] = capture

	go capture.run(ctx)

	log.Printf("[FrameProvider] Started capture for stream %s (source: %s, fps: %d)", src.StreamID, src.Source, src.FPS)
	return nil
}

func (p *FFmpegFrameProvider) Stop(streamID string) error {
	p.mu.Lock()
	capture, exists := p.streams[streamID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("stream %s not found", streamID)
	}
	delete(p.streams, streamID)
	p.mu.Unlock()

	capture.stop()
	log.Printf("[FrameProvider] Stopped capture for stream %s", streamID)
	return nil
}

// Close stops every capture.
func (p *FFmpegFrameProvider) Close() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*streamCapture)
	p.mu.Unlock()

	for _, c := range streams {
		c.stop()
	}
}

func (p *FFmpegFrameProvider) Subscribe(streamID string, bufferSize int) (*FrameSubscription, error) {
	p.mu.RLock()
	capture, exists := p.streams[streamID]
	p.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("stream %s not found", streamID)
	}

	if bufferSize <= 0 {
		bufferSize = 5
	}

	sub := &FrameSubscription{
		StreamID: streamID,
		Channel:  make(chan *media.Frame, bufferSize),
		Done:     make(chan struct{}),
	}

	capture.subMu.Lock()
	capture.subscribers[sub] = true
	n := len(capture.subscribers)
	capture.subMu.Unlock()

	log.Printf("[FrameProvider] New subscriber for stream %s (total: %d)", streamID, n)
	return sub, nil
}

func (p *FFmpegFrameProvider) Unsubscribe(sub *FrameSubscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	capture, exists := p.streams[sub.StreamID]
	p.mu.RUnlock()

	if !exists {
		return
	}

	capture.subMu.Lock()
	if _, ok := capture.subscribers[sub]; ok {
		delete(capture.subscribers, sub)
		close(sub.Done)
	}
	capture.subMu.Unlock()
}

func (p *FFmpegFrameProvider) IsRunning(streamID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	capture, exists := p.streams[streamID]
	return exists && capture.running.Load()
}

func (p *FFmpegFrameProvider) GetStats(streamID string) *CaptureStats {
	p.mu.RLock()
	capture, exists := p.streams[streamID]
	p.mu.RUnlock()

	if !exists {
		return nil
	}

	capture.statsMu.RLock()
	defer capture.statsMu.RUnlock()

	stats := capture.stats
	return &stats
}

// run captures until ctx is cancelled, restarting ffmpeg with a growing
// delay whenever it exits.
func (c *streamCapture) run(ctx context.Context) {
	c.running.Store(true)
	defer func() {
		c.running.Store(false)
		close(c.done)
	}()

	if isSnapshotURL(c.src.Source) {
		c.pollSnapshots(ctx)
		return
	}

	delay := restartDelay
	for {
		started := time.Now()
		if err := c.captureFFmpeg(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[FrameProvider] Capture for stream %s ended: %v", c.src.StreamID, err)
		}
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxRestartDelay {
			delay = restartDelay
		}

		c.statsMu.Lock()
		c.stats.Restarts++
		c.statsMu.Unlock()

		log.Printf("[FrameProvider] Restarting stream %s in %s", c.src.StreamID, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRestartDelay)
	}
}

func (c *streamCapture) stop() {
	c.cancel()
	<-c.done

	c.subMu.Lock()
	for sub := range c.subscribers {
		close(sub.Done)
		delete(c.subscribers, sub)
	}
	c.subMu.Unlock()
}

func isSnapshotURL(source string) bool {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return false
	}
	return strings.Contains(source, ".jpg") || strings.Contains(source, ".jpeg") || strings.Contains(source, "snapshot")
}

func (c *streamCapture) pollSnapshots(ctx context.Context) {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := max(time.Second/time.Duration(c.src.FPS), 100*time.Millisecond)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := fetchSnapshot(ctx, client, c.src.Source)
			if err != nil {
				log.Printf("[FrameProvider] Error fetching frame from %s: %v", c.src.Source, err)
				continue
			}
			c.broadcastFrame(frame)
		}
	}
}

func fetchSnapshot(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFrameBuffer))
}

// ffmpegArgs builds the command line that turns src into a stream of
// MJPEG frames on stdout.
func ffmpegArgs(src StreamSource) []string {
	fps := strconv.Itoa(src.FPS)
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5"}
	if src.Width > 0 && src.Height > 0 {
		out = append(out, "-s", fmt.Sprintf("%dx%d", src.Width, src.Height))
	}
	out = append(out, "-")

	var in []string
	switch {
	case strings.HasPrefix(src.Source, "rtsp://"):
		in = []string{"-rtsp_transport", "tcp", "-i", src.Source, "-r", fps}
	case strings.HasPrefix(src.Source, "http://"), strings.HasPrefix(src.Source, "https://"):
		in = []string{"-i", src.Source, "-r", fps}
	default:
		// V4L2 device (USB camera)
		in = []string{"-f", "v4l2", "-framerate", fps}
		if src.Width > 0 && src.Height > 0 {
			in = append(in, "-video_size", fmt.Sprintf("%dx%d", src.Width, src.Height))
		}
		in = append(in, "-i", src.Source)
	}
	return append(append([]string{"-loglevel", "error", "-nostdin"}, in...), out...)
}

func (c *streamCapture) captureFFmpeg(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.ffmpeg, ffmpegArgs(c.src)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[FrameProvider] ffmpeg %s: %s", c.src.StreamID, scanner.Text())
		}
	}()

	readErr := c.readFrames(stdout)
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	return waitErr
}

// readFrames splits an MJPEG byte stream into frames until EOF.
func (c *streamCapture) readFrames(r io.Reader) error {
	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			frame := extractJPEGFrame(&buf)
			if frame == nil {
				break
			}
			c.broadcastFrame(frame)
		}
		if len(buf) > maxFrameBuffer {
			buf = buf[:0]
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *streamCapture) broadcastFrame(data []byte) {
	seq := c.frameSeq.Add(1)
	now := time.Now()

	frame := &media.Frame{
		StreamID:  c.src.StreamID,
		Seq:       seq,
		Timestamp: now,
		Data:      data,
		Width:     c.src.Width,
		Height:    c.src.Height,
	}

	c.statsMu.Lock()
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now
	c.statsMu.Unlock()

	// Subscribers get their own frame value; decoding caches state on it.
	c.subMu.RLock()
	dropped := 0
	for sub := range c.subscribers {
		f := *frame
		select {
		case sub.Channel <- &f:
		default:
			dropped++
		}
	}
	subCount := len(c.subscribers)
	c.subMu.RUnlock()

	if dropped > 0 {
		c.statsMu.Lock()
		c.stats.FramesDropped += uint64(dropped)
		c.statsMu.Unlock()
	}

	if seq%500 == 0 {
		log.Printf("[FrameProvider] Stream %s: frame %d, %d subscribers", c.src.StreamID, seq, subCount)
	}
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// extractJPEGFrame removes and returns the first complete JPEG in buffer,
// discarding any bytes before its start marker. It returns nil when no
// complete frame is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	start := bytes.Index(b, jpegStart)
	if start == -1 {
		// Keep a trailing 0xFF in case it begins the next marker.
		if n := len(b); n > 0 && b[n-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}
	end := bytes.Index(b[start+2:], jpegEnd)
	if end == -1 {
		if start > 0 {
			*buffer = append(b[:0], b[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}

var _ FrameProvider = (*FFmpegFrameProvider)(nil)
