package detection

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/grpc"

	"vigil/internal/geom"
	"vigil/internal/media"
)

// DetectionService is the fully qualified name of the detector service.
const DetectionService = "vigil.detection.v1.DetectionService"

// DetectorConfig selects and configures the object detector.
type DetectorConfig struct {
	Kind          string       `yaml:"kind" json:"kind"` // "grpc" or "http"
	GRPC          ClientConfig `yaml:"grpc" json:"grpc"`
	URL           string       `yaml:"url" json:"url"`
	ConfThreshold float64      `yaml:"conf_threshold" json:"conf_threshold"` // passed to the service; keep at or below the tracker floor
	Classes       []string     `yaml:"classes" json:"classes"`               // empty means every class
}

// DefaultDetectorConfig returns a gRPC detector on localhost.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Kind:          "grpc",
		GRPC:          DefaultClientConfig("localhost:50051"),
		URL:           "http://localhost:8081",
		ConfThreshold: 0.1,
	}
}

// Validate reports invalid detector settings.
func (c DetectorConfig) Validate() error {
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("conf_threshold must be in [0,1], got %v", c.ConfThreshold)
	}
	switch c.Kind {
	case "grpc":
		return c.GRPC.Validate()
	case "http":
		if c.URL == "" {
			return fmt.Errorf("url is required for the http detector")
		}
		return nil
	default:
		return fmt.Errorf("unknown detector kind %q", c.Kind)
	}
}

// GRPCDetector calls the detection service with one unary request per
// frame.
type GRPCDetector struct {
	*client
	confThreshold float64
	classes       []string
}

// NewGRPCDetector creates the detector client. The connection is
// established lazily on the first call.
func NewGRPCDetector(cfg DetectorConfig, opts ...grpc.DialOption) (*GRPCDetector, error) {
	c, err := newClient("GRPCDetector", DetectionService, cfg.GRPC, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCDetector{
		client:        c,
		confThreshold: cfg.ConfThreshold,
		classes:       cfg.Classes,
	}, nil
}

// Detect sends the frame and converts the reply to boxes. Corners in the
// reply are [x1, y1, x2, y2].
func (d *GRPCDetector) Detect(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error) {
	data, err := frameBytes(frame)
	if err != nil {
		return nil, err
	}

	resp, err := d.invoke(ctx, "Detect", map[string]any{
		"stream_id":      frame.StreamID,
		"frame_seq":      float64(frame.Seq),
		"timestamp_ns":   float64(frame.Timestamp.UnixNano()),
		"jpeg":           data,
		"conf_threshold": d.confThreshold,
		"classes":        stringList(d.classes),
	})
	if err != nil {
		return nil, err
	}

	items := resp.GetFields()["detections"].GetListValue().GetValues()
	boxes := make([]geom.BoundingBox, 0, len(items))
	for i, item := range items {
		fields := item.GetStructValue().GetFields()
		corners := numbers(fields["bbox"])
		if len(corners) != 4 {
			log.Printf("[GRPCDetector] Skipping detection %d of frame %d: bbox has %d values", i, frame.Seq, len(corners))
			continue
		}
		box := geom.FromCorners(corners[0], corners[1], corners[2], corners[3])
		box.Confidence = fields["confidence"].GetNumberValue()
		box.ClassName = fields["class"].GetStringValue()
		boxes = append(boxes, box)
	}
	return boxes, nil
}
