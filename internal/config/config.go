// Package config loads the service configuration from YAML, applies
// environment overrides for secrets and validates every section before
// anything is started.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/auth"
	"vigil/internal/cascade"
	"vigil/internal/detection"
	"vigil/internal/motion"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole service configuration. The cascade section is
// inlined so focus_class, motion, tracker and activity sit at the top
// level of the file.
type Config struct {
	Cascade   cascade.Config            `yaml:",inline"`
	Keyframe  motion.KeyframeConfig     `yaml:"keyframe"`
	Detector  detection.DetectorConfig  `yaml:"detector"`
	Inference detection.InferenceConfig `yaml:"inference"`
	Embedder  detection.EmbedderConfig  `yaml:"embedder"`
	Database  DatabaseConfig            `yaml:"database"`
	HTTP      HTTPConfig                `yaml:"http"`
	Auth      auth.Config               `yaml:"auth"`
	Streams   []StreamConfig            `yaml:"streams"`
}

// DatabaseConfig locates the SQLite result store.
type DatabaseConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // results older than this are pruned; 0 keeps everything
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration with no streams.
func Default() *Config {
	return &Config{
		Cascade:   cascade.DefaultConfig(),
		Keyframe:  motion.DefaultKeyframeConfig(),
		Detector:  detection.DefaultDetectorConfig(),
		Inference: detection.DefaultInferenceConfig(),
		Embedder:  detection.DefaultEmbedderConfig(),
		Database: DatabaseConfig{
			Path:      "vigil.db",
			Retention: 7 * 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: auth.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
// Environment overrides are not applied.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	// Profiles are keyed by tier in the file; the tier field itself is not.
	for tier, p := range c.Cascade.Activity.Profiles {
		p.Tier = tier
		c.Cascade.Activity.Profiles[tier] = p
	}
	return nil
}

// ApplyEnv overrides secrets and deployment settings from the
// environment. lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("VIGIL_AUTH_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VIGIL_AUTH_ENABLED: %w", err)
		}
		c.Auth.Enabled = enabled
	}
	if v, ok := lookup("VIGIL_AUTH_USERNAME"); ok {
		c.Auth.Username = v
	}
	if v, ok := lookup("VIGIL_AUTH_PASSWORD"); ok {
		c.Auth.Password = v
	}
	if v, ok := lookup("VIGIL_JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("VIGIL_JWT_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VIGIL_JWT_EXPIRY: %w", err)
		}
		c.Auth.TokenExpiry = d
	}
	if v, ok := lookup("VIGIL_DB_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := lookup("VIGIL_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("VIGIL_DETECTOR_ADDR"); ok {
		c.Detector.GRPC.Address = v
	}
	if v, ok := lookup("VIGIL_INFERENCE_ADDR"); ok {
		c.Inference.GRPC.Address = v
	}
	return nil
}

// Validate checks every section and every stream's effective settings.
// All violations are reported together, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	section := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	section("cascade", c.Cascade.Validate())
	section("motion", c.Cascade.Motion.Validate())
	section("tracker", c.Cascade.Tracker.Validate())
	section("activity", c.Cascade.Activity.Validate())
	section("keyframe", c.Keyframe.Validate())
	section("detector", c.Detector.Validate())
	section("inference", c.Inference.Validate())
	section("embedder", c.Embedder.Validate())
	section("auth", c.Auth.Validate())

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if c.Database.Retention < 0 {
		errs = append(errs, errors.New("database: retention must not be negative"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http: addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http: shutdown_timeout must be positive"))
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		name := s.ID
		if name == "" {
			name = "#" + strconv.Itoa(i)
			errs = append(errs, fmt.Errorf("stream %s: id is required", name))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("stream %s: duplicate id", name))
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Source) == "" {
			errs = append(errs, fmt.Errorf("stream %s: source is required", name))
		}
		if s.FPS < 0 {
			errs = append(errs, fmt.Errorf("stream %s: fps must not be negative", name))
		}
		eff := s.MergeWithGlobal(c.Cascade)
		section("stream "+name, errors.Join(
			eff.Validate(),
			eff.Motion.Validate(),
			eff.Tracker.Validate(),
			eff.Activity.Validate(),
		))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EnabledStreams returns the streams that should be started.
func (c *Config) EnabledStreams() []StreamConfig {
	var out []StreamConfig
	for _, s := range c.Streams {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
