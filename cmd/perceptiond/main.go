// perceptiond runs the perception synchronization engine as a service.
//
// One regime is selected at startup:
//   - live (default): frames from live.capture.url, debounced inference
//   - -asset <video>: offline pre-scan, then playback against the wall clock
//   - -image <file>: single shot inference on a still image
//
// Scenes go to MQTT and/or a WebSocket hub; spoken feedback goes to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/e7canasta/perception-sync/modules/backend"
	"github.com/e7canasta/perception-sync/modules/capture"
	"github.com/e7canasta/perception-sync/modules/config"
	"github.com/e7canasta/perception-sync/modules/emitter"
	"github.com/e7canasta/perception-sync/modules/engine"
	"github.com/e7canasta/perception-sync/modules/feedback"
	"github.com/e7canasta/perception-sync/modules/media"
	"github.com/e7canasta/perception-sync/modules/overlay"
	"github.com/e7canasta/perception-sync/modules/perception"
	"github.com/e7canasta/perception-sync/modules/playback"
	"github.com/e7canasta/perception-sync/modules/replay"
)

const defaultConfigPath = "config/perceptiond.yaml"

type options struct {
	asset string
	image string
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides log.level)")
	asset := flag.String("asset", "", "Pre-scan and play a recorded video instead of live capture")
	image := flag.String("image", "", "Run single shot inference on a still image and exit")
	flag.Parse()

	if *asset != "" && *image != "" {
		fmt.Fprintln(os.Stderr, "Error: -asset and -image are mutually exclusive")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := parseLevel(cfg.Log.Level)
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("starting perceptiond",
		"instance_id", cfg.InstanceID,
		"config", *configPath,
		"backend", cfg.Backend.Kind,
		"model", cfg.Backend.Model,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to start perceptiond", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.run(ctx, options{asset: *asset, image: *image})
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("perceptiond stopped with error", "error", runErr)
	}

	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if err := d.shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("perceptiond stopped", "stats", d.engine.Stats())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// daemon owns the engine and its outputs.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	engine *engine.Engine
	mqtt   *emitter.MQTTEmitter
	hub    *emitter.WSHub
	server *http.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, started: time.Now()}
	viewport := overlay.Size{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height}

	var renderers []overlay.Renderer
	if cfg.MQTT.Broker != "" {
		d.mqtt = emitter.NewMQTT(emitter.MQTTConfig{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			SceneTopic:    cfg.MQTT.Topics.Scenes,
			FeedbackTopic: cfg.MQTT.Topics.Feedback,
			QoS:           cfg.MQTT.QoS,
			Viewport:      viewport,
			Logger:        logger,
		})
		if err := d.mqtt.Connect(ctx); err != nil {
			return nil, err
		}
		renderers = append(renderers, d.mqtt)
	}
	if cfg.WebSocket.Listen != "" {
		d.hub = emitter.NewWSHub(viewport, logger)
		renderers = append(renderers, d.hub)
	}
	if len(renderers) == 0 {
		logger.Warn("no scene output configured, scenes are only logged")
		renderers = append(renderers, logRenderer{viewport: viewport, logger: logger})
	}

	var speaker feedback.Speaker
	if cfg.Feedback.Enabled {
		if d.mqtt == nil {
			logger.Warn("feedback enabled without an MQTT broker, disabling")
		} else {
			speaker = d.mqtt
		}
	}

	factory, err := backendFactory(cfg, logger)
	if err != nil {
		d.closeOutputs()
		return nil, err
	}
	policy, _ := replay.ParsePolicy(cfg.Replay.FailurePolicy)

	d.engine, err = engine.New(engine.Config{
		Factory:           factory,
		Session:           cfg.BackendConfig(perception.ModeLiveStream),
		Renderer:          emitter.NewFanout(viewport, renderers...),
		Speaker:           speaker,
		FeedbackMinScore:  cfg.Feedback.MinScore,
		FeedbackMaxLabels: cfg.Feedback.MaxLabels,
		MinInterval:       cfg.MinInterval(),
		Warmup:            time.Duration(cfg.Live.WarmupS) * time.Second,
		SampleInterval:    cfg.SampleInterval(),
		Policy:            policy,
		InferenceTimeout:  cfg.InferenceTimeout(),
		Logger:            logger,
	})
	if err != nil {
		d.closeOutputs()
		return nil, err
	}
	if speaker != nil {
		fb := d.engine.Feedback()
		d.mqtt.OnUtterance(fb.Done, fb.Failed)
	}

	if cfg.WebSocket.Listen != "" {
		d.startServer()
	}
	return d, nil
}

func backendFactory(cfg *config.Config, logger *slog.Logger) (perception.BackendFactory, error) {
	switch cfg.Backend.Kind {
	case "mock":
		return backend.MockFactory(backend.MockOptions{
			Latency: time.Duration(cfg.Backend.MockLatencyMs) * time.Millisecond,
		}), nil
	case "subprocess":
		return backend.NewSubprocessFactory(backend.SubprocessConfig{
			Command: cfg.Backend.Command,
			Args:    cfg.Backend.Args,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// run drives the selected regime until it ends or ctx is cancelled.
func (d *daemon) run(ctx context.Context, opts options) error {
	switch {
	case opts.image != "":
		return d.runImage(ctx, opts.image)
	case opts.asset != "":
		return d.runAsset(ctx, opts.asset)
	default:
		return d.runLive(ctx)
	}
}

func (d *daemon) runLive(ctx context.Context) error {
	live := d.cfg.Live.Capture
	stream, err := capture.New(capture.Config{
		URL:       live.URL,
		Name:      d.cfg.InstanceID,
		Width:     live.Width,
		Height:    live.Height,
		TargetFPS: live.FPS,
		Loop:      live.Loop,
		Logger:    d.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		d.logger.Info("capture stopped", "stats", stream.Stats())
	}()
	return d.engine.RunLive(ctx, stream)
}

func (d *daemon) runAsset(ctx context.Context, path string) error {
	asset, err := media.OpenVideo(path, media.Options{Logger: d.logger})
	if err != nil {
		return err
	}
	defer asset.Close()

	buf, err := d.engine.LoadAsset(ctx, asset, func(done, total int) {
		d.logger.Debug("prescan progress", "done", done, "total", total)
	})
	if err != nil {
		return fmt.Errorf("pre-scan %s: %w", path, err)
	}
	d.logger.Info("asset ready", "path", path, "samples", buf.Len(), "gaps", len(buf.Gaps()))

	clock := playback.NewWallClock()
	player, err := d.engine.Play(ctx, clock)
	if err != nil {
		return err
	}
	clock.Start()

	select {
	case <-player.Done():
		d.logger.Info("playback finished", "stats", player.Stats())
		return nil
	case <-ctx.Done():
		clock.Stop()
		d.engine.StopPlayback()
		return ctx.Err()
	}
}

func (d *daemon) runImage(ctx context.Context, path string) error {
	frame, err := media.LoadImage(path, media.Options{Logger: d.logger})
	if err != nil {
		return err
	}
	result, err := d.engine.DetectImage(ctx, frame)
	if err != nil {
		return err
	}
	d.logger.Info("image detected",
		"path", path,
		"detections", len(result.Detections),
		"inference_ms", result.InferenceTimeMs,
		"summary", feedback.Describe(result, d.cfg.Feedback.MinScore, d.cfg.Feedback.MaxLabels),
	)
	return nil
}

func (d *daemon) shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.engine.Close()
	}()

	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("engine close: %w", ctx.Err()))
	}
	d.closeOutputs()
	return errors.Join(errs...)
}

func (d *daemon) closeOutputs() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
}

// logRenderer stands in when no output is configured.
type logRenderer struct {
	viewport overlay.Size
	logger   *slog.Logger
}

func (r logRenderer) Viewport() overlay.Size { return r.viewport }

func (r logRenderer) Render(s overlay.Scene) error {
	r.logger.Debug("scene", "mode", s.ModeName, "index", s.Index, "overlays", len(s.Overlays))
	return nil
}
