package cascade

import (
	"context"

	"vigil/internal/geom"
	"vigil/internal/media"
)

// Detector is the external object detector. Implementations must honour
// ctx cancellation; the cascade bounds every call with a timeout.
type Detector interface {
	Detect(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error)
}

// Inferencer is the external vision-language service.
type Inferencer interface {
	Infer(ctx context.Context, frame *media.Frame, model, prompt string) (string, error)
}

// Embedder produces one appearance descriptor per box, in order. A nil
// entry means no descriptor for that box.
type Embedder interface {
	Embed(ctx context.Context, frame *media.Frame, boxes []geom.BoundingBox) ([][]float32, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error)

func (f DetectorFunc) Detect(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error) {
	return f(ctx, frame)
}

// InferencerFunc adapts a function to the Inferencer interface.
type InferencerFunc func(ctx context.Context, frame *media.Frame, model, prompt string) (string, error)

func (f InferencerFunc) Infer(ctx context.Context, frame *media.Frame, model, prompt string) (string, error) {
	return f(ctx, frame, model, prompt)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, frame *media.Frame, boxes []geom.BoundingBox) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, frame *media.Frame, boxes []geom.BoundingBox) ([][]float32, error) {
	return f(ctx, frame, boxes)
}
