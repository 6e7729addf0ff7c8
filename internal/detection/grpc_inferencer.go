package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"vigil/internal/media"
)

// InferenceService is the fully qualified name of the vision-language
// service.
const InferenceService = "vigil.inference.v1.InferenceService"

// InferenceConfig configures the vision-language client.
type InferenceConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	GRPC    ClientConfig  `yaml:"grpc" json:"grpc"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Prompt  string        `yaml:"prompt" json:"prompt"`
}

// DefaultInferenceConfig returns inference disabled with a scene prompt.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		GRPC:    DefaultClientConfig("localhost:50052"),
		Timeout: 30 * time.Second,
		Prompt:  "Describe what the people and vehicles in this frame are doing. Mention anything unusual.",
	}
}

// Validate reports invalid inference settings.
func (c InferenceConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if err := c.GRPC.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Prompt == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	return errors.Join(errs...)
}

// GRPCInferencer asks the vision-language service to describe a frame.
type GRPCInferencer struct {
	*client
}

// NewGRPCInferencer creates the inference client.
func NewGRPCInferencer(cfg InferenceConfig, opts ...grpc.DialOption) (*GRPCInferencer, error) {
	c, err := newClient("GRPCInferencer", InferenceService, cfg.GRPC, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCInferencer{client: c}, nil
}

// Infer runs model on the frame with prompt and returns the generated text.
func (i *GRPCInferencer) Infer(ctx context.Context, frame *media.Frame, model, prompt string) (string, error) {
	data, err := frameBytes(frame)
	if err != nil {
		return "", err
	}
	resp, err := i.invoke(ctx, "Infer", map[string]any{
		"stream_id": frame.StreamID,
		"frame_seq": float64(frame.Seq),
		"model":     model,
		"prompt":    prompt,
		"jpeg":      data,
	})
	if err != nil {
		return "", err
	}
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("GRPCInferencer: model %s: %s", model, msg)
	}
	return fields["text"].GetStringValue(), nil
}
