package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/perception-sync/modules/perception"
	"github.com/e7canasta/perception-sync/modules/replay"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate fills defaults and checks cfg.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "perceptiond"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateBackend(&cfg.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	if cfg.Live.MinIntervalMs == 0 {
		cfg.Live.MinIntervalMs = 100
	}
	if cfg.Live.MinIntervalMs < 0 {
		return fmt.Errorf("live.min_interval_ms must be >= 0")
	}
	if cfg.Live.Capture.Width == 0 {
		cfg.Live.Capture.Width = 640
	}
	if cfg.Live.Capture.Height == 0 {
		cfg.Live.Capture.Height = 480
	}
	if cfg.Live.Capture.FPS < 0 {
		return fmt.Errorf("live.capture.fps must be >= 0")
	}
	if cfg.Live.WarmupS < 0 {
		return fmt.Errorf("live.warmup_s must be >= 0")
	}

	if cfg.Replay.SampleIntervalMs == 0 {
		cfg.Replay.SampleIntervalMs = 300
	}
	if cfg.Replay.SampleIntervalMs < 0 {
		return fmt.Errorf("replay.sample_interval_ms must be > 0")
	}
	if _, err := replay.ParsePolicy(cfg.Replay.FailurePolicy); err != nil {
		return fmt.Errorf("replay.failure_policy: %w", err)
	}

	if cfg.Viewport.Width == 0 && cfg.Viewport.Height == 0 {
		cfg.Viewport.Width, cfg.Viewport.Height = float64(cfg.Live.Capture.Width), float64(cfg.Live.Capture.Height)
	}
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		return fmt.Errorf("viewport must have a positive width and height")
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = cfg.InstanceID
		}
		if cfg.MQTT.Topics.Scenes == "" {
			cfg.MQTT.Topics.Scenes = fmt.Sprintf("perception/scenes/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Feedback == "" {
			cfg.MQTT.Topics.Feedback = fmt.Sprintf("perception/feedback/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.WebSocket.Listen != "" && cfg.WebSocket.Path == "" {
		cfg.WebSocket.Path = "/scenes"
	}

	if cfg.Feedback.MaxLabels <= 0 {
		cfg.Feedback.MaxLabels = 3
	}
	if cfg.Feedback.MinScore < 0 || cfg.Feedback.MinScore > 1 {
		return fmt.Errorf("feedback.min_score must be in [0,1]")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	return nil
}

func validateBackend(b *BackendConfig) error {
	switch b.Kind {
	case "":
		b.Kind = "mock"
	case "mock":
	case "subprocess":
		if b.Command == "" {
			return fmt.Errorf("command is required for the subprocess backend")
		}
	default:
		return fmt.Errorf("unknown kind %q (must be mock or subprocess)", b.Kind)
	}

	if b.Model == "" {
		b.Model = "efficientdet-lite0"
	}
	if b.ScoreThreshold == 0 {
		b.ScoreThreshold = 0.5
	}
	if b.MaxResults == 0 {
		b.MaxResults = 3
	}
	if b.NumThreads == 0 {
		b.NumThreads = 2
	}
	if _, err := perception.ParseDelegate(b.Delegate); err != nil {
		return err
	}
	if b.TimeoutMs < 0 || b.MockLatencyMs < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}

	// same bounds the session controller enforces
	cfg := perception.Config{
		Model:          b.Model,
		ScoreThreshold: b.ScoreThreshold,
		MaxResults:     b.MaxResults,
		NumThreads:     b.NumThreads,
		Mode:           perception.ModeLiveStream,
	}
	return cfg.Validate()
}
