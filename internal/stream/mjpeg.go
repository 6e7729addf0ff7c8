// Package stream serves the operator's live view: camera frames re-encoded
// as an MJPEG stream with the stream's live tracks drawn on top.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/media"
	"vigil/internal/pipeline"
	"vigil/internal/tracker"
)

// ErrNoFrame is returned by Snapshot when no frame arrives in time.
var ErrNoFrame = errors.New("no frame available")

// FrameSource hands out frame subscriptions. The frame provider
// implements it.
type FrameSource interface {
	Subscribe(streamID string, bufferSize int) (*pipeline.FrameSubscription, error)
	Unsubscribe(sub *pipeline.FrameSubscription)
}

// TrackSource reports the live tracks of a stream.
type TrackSource interface {
	StreamTracks(streamID string) ([]tracker.Track, bool)
}

var (
	colorConfirmed = color.RGBA{0, 255, 0, 255}
	colorTentative = color.RGBA{255, 200, 0, 255}
	colorLost      = color.RGBA{160, 160, 160, 255}
	labelBackdrop  = color.RGBA{0, 0, 0, 180}
)

// Viewer renders annotated frames for HTTP clients.
type Viewer struct {
	frames  FrameSource
	tracks  TrackSource
	quality int
}

// NewViewer creates a viewer over frames, overlaying tracks from tracks.
func NewViewer(frames FrameSource, tracks TrackSource) *Viewer {
	return &Viewer{frames: frames, tracks: tracks, quality: 85}
}

// ServeMJPEG streams annotated frames of streamID as
// multipart/x-mixed-replace until the client goes away or the stream
// stops. Frames that arrive while the client is still writing are dropped.
func (v *Viewer) ServeMJPEG(w http.ResponseWriter, r *http.Request, streamID string) {
	if _, ok := v.tracks.StreamTracks(streamID); !ok {
		http.Error(w, fmt.Sprintf("stream %s not found", streamID), http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sub, err := v.frames.Subscribe(streamID, 2)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer v.frames.Unsubscribe(sub)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("[MJPEG] Client connected to stream %s", streamID)
	defer log.Printf("[MJPEG] Client disconnected from stream %s", streamID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case f := <-sub.Channel:
			data, err := v.render(streamID, f)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
			if _, err := w.Write(data); err != nil {
				return
			}
			fmt.Fprint(w, "\r\n")
			flusher.Flush()
		}
	}
}

// Snapshot waits for the next frame of streamID and returns it annotated.
func (v *Viewer) Snapshot(ctx context.Context, streamID string, timeout time.Duration) ([]byte, error) {
	if _, ok := v.tracks.StreamTracks(streamID); !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrStreamNotFound, streamID)
	}
	sub, err := v.frames.Subscribe(streamID, 1)
	if err != nil {
		return nil, err
	}
	defer v.frames.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case f := <-sub.Channel:
		return v.render(streamID, f)
	case <-sub.Done:
		return nil, ErrNoFrame
	case <-ctx.Done():
		return nil, ErrNoFrame
	}
}

// ServeSnapshot writes one annotated JPEG.
func (v *Viewer) ServeSnapshot(w http.ResponseWriter, r *http.Request, streamID string) {
	data, err := v.Snapshot(r.Context(), streamID, 5*time.Second)
	switch {
	case errors.Is(err, pipeline.ErrStreamNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (v *Viewer) render(streamID string, f *media.Frame) ([]byte, error) {
	tracks, _ := v.tracks.StreamTracks(streamID)
	return Annotate(f, tracks, v.quality)
}

// Annotate draws tracks on the frame and encodes the result as JPEG.
// Removed tracks are skipped. A frame with nothing to draw is returned
// as captured when it already holds JPEG data.
func Annotate(f *media.Frame, tracks []tracker.Track, quality int) ([]byte, error) {
	visible := tracks[:0:0]
	for _, t := range tracks {
		if t.State != tracker.Removed {
			visible = append(visible, t)
		}
	}
	if len(visible) == 0 && len(f.Data) > 0 {
		return f.Data, nil
	}

	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, t := range visible {
		c := stateColor(t.State)
		x, y, w, h := pixelBox(t, bounds)
		drawBox(rgba, x, y, w, h, c, 2)
		label := fmt.Sprintf("%s #%d %.0f%%", t.ClassName, t.ID, t.Confidence*100)
		drawLabel(rgba, x, y-5, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	return buf.Bytes(), nil
}

func stateColor(s tracker.State) color.RGBA {
	switch s {
	case tracker.Confirmed:
		return colorConfirmed
	case tracker.Tentative:
		return colorTentative
	default:
		return colorLost
	}
}

// pixelBox converts a track box to pixels. Boxes that fit the unit square
// are taken as normalized.
func pixelBox(t tracker.Track, bounds image.Rectangle) (x, y, w, h int) {
	b := t.Box
	if b.X >= 0 && b.Y >= 0 && b.X+b.W <= 1 && b.Y+b.H <= 1 {
		fw, fh := float64(bounds.Dx()), float64(bounds.Dy())
		return bounds.Min.X + int(b.X*fw), bounds.Min.Y + int(b.Y*fh), int(b.W * fw), int(b.H * fh)
	}
	return int(b.X), int(b.Y), int(b.W), int(b.H)
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bounds := img.Bounds()
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			if p := image.Pt(x+dx, y+dy); p.In(bounds) {
				img.SetRGBA(p.X, p.Y, labelBackdrop)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
