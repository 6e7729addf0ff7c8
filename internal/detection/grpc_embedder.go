package detection

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"vigil/internal/geom"
	"vigil/internal/media"
)

// EmbeddingService is the fully qualified name of the appearance service.
const EmbeddingService = "vigil.reid.v1.EmbeddingService"

// EmbedderConfig configures the appearance embedding client.
type EmbedderConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	GRPC    ClientConfig `yaml:"grpc" json:"grpc"`
}

// DefaultEmbedderConfig returns the embedder disabled.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{GRPC: DefaultClientConfig("localhost:50053")}
}

// Validate reports invalid embedder settings.
func (c EmbedderConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return c.GRPC.Validate()
}

// GRPCEmbedder computes appearance descriptors for detected boxes.
type GRPCEmbedder struct {
	*client
}

// NewGRPCEmbedder creates the embedding client.
func NewGRPCEmbedder(cfg EmbedderConfig, opts ...grpc.DialOption) (*GRPCEmbedder, error) {
	c, err := newClient("GRPCEmbedder", EmbeddingService, cfg.GRPC, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCEmbedder{client: c}, nil
}

// Embed returns one descriptor per box. Boxes are sent as [x, y, w, h];
// a null entry in the reply means the service could not embed that box.
func (e *GRPCEmbedder) Embed(ctx context.Context, frame *media.Frame, boxes []geom.BoundingBox) ([][]float32, error) {
	if len(boxes) == 0 {
		return nil, nil
	}
	data, err := frameBytes(frame)
	if err != nil {
		return nil, err
	}

	list := make([]any, 0, len(boxes))
	for _, b := range boxes {
		list = append(list, []any{b.X, b.Y, b.W, b.H})
	}
	resp, err := e.invoke(ctx, "Embed", map[string]any{
		"stream_id": frame.StreamID,
		"frame_seq": float64(frame.Seq),
		"jpeg":      data,
		"boxes":     list,
	})
	if err != nil {
		return nil, err
	}

	items := resp.GetFields()["embeddings"].GetListValue().GetValues()
	if len(items) != len(boxes) {
		return nil, fmt.Errorf("GRPCEmbedder: got %d embeddings for %d boxes", len(items), len(boxes))
	}
	out := make([][]float32, len(items))
	for i, item := range items {
		if _, null := item.GetKind().(*structpb.Value_NullValue); null {
			continue
		}
		values := numbers(item)
		desc := make([]float32, len(values))
		for j, v := range values {
			desc[j] = float32(v)
		}
		out[i] = desc
	}
	return out, nil
}
