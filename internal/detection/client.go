// Package detection holds the clients for the external perception
// services: object detection, vision-language inference and appearance
// embedding. Every client degrades softly; errors are returned to the
// caller, never fatal.
package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"vigil/internal/media"
)

// ClientConfig is the connection part shared by the gRPC clients.
type ClientConfig struct {
	Address          string        `yaml:"address" json:"address"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time" json:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout" json:"keepalive_timeout"`
	HealthTTL        time.Duration `yaml:"health_ttl" json:"health_ttl"` // how long a good health check is trusted
}

// DefaultClientConfig returns the keepalive settings used for every
// service connection.
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:          address,
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 5 * time.Second,
		HealthTTL:        30 * time.Second,
	}
}

// Validate reports invalid connection settings.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.KeepaliveTime <= 0 || c.KeepaliveTimeout <= 0 {
		errs = append(errs, errors.New("keepalive_time and keepalive_timeout must be positive"))
	}
	if c.HealthTTL < 0 {
		errs = append(errs, fmt.Errorf("health_ttl must not be negative, got %s", c.HealthTTL))
	}
	return errors.Join(errs...)
}

// client is the connection plus cached health state behind each gRPC
// adapter. Calls are unary and carry structpb payloads.
type client struct {
	name    string
	service string
	cfg     ClientConfig
	conn    *grpc.ClientConn
	health  healthpb.HealthClient

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

func newClient(name, service string, cfg ClientConfig, opts ...grpc.DialOption) (*client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", name, err)
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	log.Printf("[%s] Client created for %s", name, cfg.Address)

	return &client{
		name:    name,
		service: service,
		cfg:     cfg,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
	}, nil
}

func (c *client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+c.service+"/"+method, in, out); err != nil {
		c.markUnhealthy()
		return nil, fmt.Errorf("%s: %s: %w", c.name, method, err)
	}
	return out, nil
}

// IsHealthy asks the standard gRPC health service about the service. A
// good answer is cached for HealthTTL.
func (c *client) IsHealthy(ctx context.Context) bool {
	c.healthMu.RLock()
	if c.healthy && time.Since(c.lastHealth) < c.cfg.HealthTTL {
		c.healthMu.RUnlock()
		return true
	}
	c.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		log.Printf("[%s] Health check failed: %v", c.name, err)
	}

	c.healthMu.Lock()
	c.healthy = healthy
	if healthy {
		c.lastHealth = time.Now()
	}
	c.healthMu.Unlock()
	return healthy
}

func (c *client) markUnhealthy() {
	c.healthMu.Lock()
	c.healthy = false
	c.healthMu.Unlock()
}

// Close shuts down the gRPC connection
func (c *client) Close() error {
	return c.conn.Close()
}

// frameBytes returns the encoded frame, encoding a decoded-only frame as
// JPEG.
func frameBytes(f *media.Frame) ([]byte, error) {
	if f == nil {
		return nil, media.ErrNoImage
	}
	if len(f.Data) > 0 {
		return f.Data, nil
	}
	if f.Image == nil {
		return nil, media.ErrNoImage
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	return buf.Bytes(), nil
}

func numbers(v *structpb.Value) []float64 {
	values := v.GetListValue().GetValues()
	out := make([]float64, 0, len(values))
	for _, n := range values {
		out = append(out, n.GetNumberValue())
	}
	return out
}

func stringList(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
