package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vigil/internal/auth"
	"vigil/internal/cascade"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/detection"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
	"vigil/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", os.Getenv("VIGIL_CONFIG"), "Path to the YAML configuration file")
		ffmpegF = flag.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
		allF    = flag.Bool("record-skipped", false, "Store results of frames stopped at the motion gate")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[vigil] ", log.Ltime)

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatalf("database: %v", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	detector, health, err := newDetector(cfg.Detector)
	if err != nil {
		logger.Fatalf("detector: %v", err)
	}
	if c, ok := detector.(io.Closer); ok {
		closers = append(closers, c)
	}

	var opts []pipeline.ManagerOption
	if cfg.Inference.Enabled {
		inf, err := detection.NewGRPCInferencer(cfg.Inference)
		if err != nil {
			logger.Fatalf("inference: %v", err)
		}
		closers = append(closers, inf)
		opts = append(opts, pipeline.WithInferencer(inf))
	}
	if cfg.Embedder.Enabled {
		emb, err := detection.NewGRPCEmbedder(cfg.Embedder)
		if err != nil {
			logger.Fatalf("embedder: %v", err)
		}
		closers = append(closers, emb)
		opts = append(opts, pipeline.WithEmbedder(emb))
	}

	caps, err := pipeline.NewCapabilities(cfg.Cascade.Activity.Profiles)
	if err != nil {
		logger.Fatalf("capabilities: %v", err)
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()
	hub := ws.NewHub()
	defer hub.Close()
	provider := pipeline.NewFFmpegFrameProvider(*ffmpegF)
	defer provider.Close()

	manager, err := pipeline.NewManager(pipeline.ManagerConfig{
		Escalation: pipeline.EscalatorConfig{
			Prompt:  cfg.Inference.Prompt,
			Timeout: cfg.Inference.Timeout,
		},
		Keyframe: cfg.Keyframe,
	}, provider, bus, detector, caps, opts...)
	if err != nil {
		logger.Fatalf("pipeline: %v", err)
	}

	// Results go to the store, the WebSocket feed and the log, in that order.
	bus.Subscribe(pipeline.NewRecorder(db, *allF))
	bus.Subscribe(pipeline.ResultHandlerFunc(hub.Publish))
	bus.Subscribe(pipeline.NewActivityLogger())

	started := startStreams(cfg, manager, db, logger)
	logger.Printf("%d of %d configured streams started", started, len(cfg.Streams))

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Database.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneResults(ctx, db, cfg.Database.Retention, time.Hour, logger)
		}()
	}

	handler := newHandler(&api{
		streams:  manager,
		store:    db,
		auth:     authenticator,
		viewer:   stream.NewViewer(provider, manager),
		hub:      hub,
		detector: health,
		logger:   logger,
	}, *dbgF)
	handleHTTPServer(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout, handler, &wg, errc, logger)

	logger.Printf("exiting (%v)", <-errc)

	cancel()
	wg.Wait()

	if err := manager.Close(); err != nil {
		logger.Printf("pipeline shutdown: %v", err)
	}
	for _, s := range cfg.EnabledStreams() {
		db.UpdateStreamStatus(s.ID, "stopped")
	}
	logger.Println("exited")
}

// newDetector builds the detector named by cfg.Kind. The second return is
// used by the readiness probe.
func newDetector(cfg detection.DetectorConfig) (cascade.Detector, healthChecker, error) {
	switch cfg.Kind {
	case "grpc":
		d, err := detection.NewGRPCDetector(cfg)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	case "http":
		d := detection.NewHTTPDetector(cfg)
		return d, d, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}

// startStreams registers and starts every enabled stream. A stream that
// fails to start is recorded with status "error" and skipped.
func startStreams(cfg *config.Config, manager *pipeline.Manager, db *database.Database, logger *log.Logger) int {
	started := 0
	for _, s := range cfg.EnabledStreams() {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		rec := &database.StreamRecord{ID: s.ID, Name: name, Source: s.Source, FPS: s.FPS, Status: "starting"}
		if err := db.SaveStream(rec); err != nil {
			logger.Printf("stream %s: %v", s.ID, err)
		}

		src := pipeline.StreamSource{StreamID: s.ID, Source: s.Source, FPS: s.FPS, Width: s.Width, Height: s.Height}
		status := "running"
		if err := manager.StartStream(src, s.MergeWithGlobal(cfg.Cascade)); err != nil {
			logger.Printf("stream %s: %v", s.ID, err)
			status = "error"
		} else {
			started++
		}
		if err := db.UpdateStreamStatus(s.ID, status); err != nil && !errors.Is(err, database.ErrNotFound) {
			logger.Printf("stream %s: %v", s.ID, err)
		}
	}
	return started
}

// pruneResults deletes results older than retention every interval until
// ctx is cancelled.
func pruneResults(ctx context.Context, db *database.Database, retention, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := db.DeleteOldResults(time.Now().Add(-retention))
		if err != nil {
			logger.Printf("retention: %v", err)
		} else if n > 0 {
			logger.Printf("retention: pruned %d results older than %s", n, retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
