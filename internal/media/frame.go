// Package media defines the frame type passed between capture, the
// cascade stages and the external collaborators.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"
)

// ErrNoImage is returned when a frame carries neither encoded bytes nor a
// decoded image.
var ErrNoImage = errors.New("frame has no image data")

// Frame is one captured video frame. Data holds the encoded image (JPEG
// from the capture pipeline); Image may be set instead when the producer
// already has a decoded picture.
type Frame struct {
	StreamID  string
	Seq       uint64
	Timestamp time.Time
	Data      []byte
	Width     int
	Height    int
	Image     image.Image

	decoded image.Image
	err     error
}

// Decode returns the decoded image, decoding Data on first use. The result
// is cached on the frame; a frame belongs to one stream pipeline and is not
// decoded concurrently.
func (f *Frame) Decode() (image.Image, error) {
	if f == nil {
		return nil, ErrNoImage
	}
	if f.Image != nil {
		return f.Image, nil
	}
	if f.decoded != nil || f.err != nil {
		return f.decoded, f.err
	}
	if len(f.Data) == 0 {
		f.err = ErrNoImage
		return nil, f.err
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		f.err = fmt.Errorf("decode frame %d: %w", f.Seq, err)
		return nil, f.err
	}
	f.decoded = img
	if f.Width == 0 || f.Height == 0 {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	return img, nil
}
