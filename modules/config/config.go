// Package config loads the perceptiond YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/perception-sync/modules/perception"
)

// Config is the complete daemon configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // default 5
	Backend          BackendConfig   `yaml:"backend"`
	Live             LiveConfig      `yaml:"live"`
	Replay           ReplayConfig    `yaml:"replay"`
	Viewport         ViewportConfig  `yaml:"viewport"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	WebSocket        WebSocketConfig `yaml:"websocket"`
	Feedback         FeedbackConfig  `yaml:"feedback"`
	Log              LogConfig       `yaml:"log"`
}

// BackendConfig selects and tunes the inference backend.
type BackendConfig struct {
	Kind           string   `yaml:"kind"` // mock, subprocess
	Model          string   `yaml:"model"`
	ScoreThreshold float64  `yaml:"score_threshold"`
	MaxResults     int      `yaml:"max_results"`
	NumThreads     int      `yaml:"num_threads"`
	Delegate       string   `yaml:"delegate"` // cpu, gpu, nnapi
	Command        string   `yaml:"command"`  // subprocess worker binary
	Args           []string `yaml:"args"`
	TimeoutMs      int      `yaml:"timeout_ms"` // per inference, 0 = none
	MockLatencyMs  int      `yaml:"mock_latency_ms"`
}

// LiveConfig drives the live regime.
type LiveConfig struct {
	MinIntervalMs int           `yaml:"min_interval_ms"` // default 100
	Capture       CaptureConfig `yaml:"capture"`
	WarmupS       int           `yaml:"warmup_s"` // 0 skips warm-up
}

// CaptureConfig describes the live source.
type CaptureConfig struct {
	URL    string  `yaml:"url"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
	Loop   bool    `yaml:"loop"`
}

// ReplayConfig drives the pre-scan.
type ReplayConfig struct {
	SampleIntervalMs int    `yaml:"sample_interval_ms"` // default 300
	FailurePolicy    string `yaml:"failure_policy"`     // skip, insert_empty, abort
}

// ViewportConfig is the drawing surface the overlays are mapped onto.
type ViewportConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics are derived from the instance id when empty.
type MQTTTopics struct {
	Scenes   string `yaml:"scenes"`
	Feedback string `yaml:"feedback"`
}

// WebSocketConfig enables the scene hub when Listen is set.
type WebSocketConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// FeedbackConfig tunes the spoken summary loop.
type FeedbackConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MinScore  float64 `yaml:"min_score"`
	MaxLabels int     `yaml:"max_labels"`
}

// LogConfig sets the default log level.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// BackendConfig returns the session identity for mode. Only
// session.Controller.ApplyConfiguration consumes it.
func (c *Config) BackendConfig(mode perception.RunningMode) perception.Config {
	delegate, _ := perception.ParseDelegate(c.Backend.Delegate)
	return perception.Config{
		Model:          c.Backend.Model,
		ScoreThreshold: c.Backend.ScoreThreshold,
		MaxResults:     c.Backend.MaxResults,
		NumThreads:     c.Backend.NumThreads,
		Delegate:       delegate,
		Mode:           mode,
	}
}

// MinInterval is the live debounce width.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Live.MinIntervalMs) * time.Millisecond
}

// SampleInterval is the replay sampling period.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Replay.SampleIntervalMs) * time.Millisecond
}

// InferenceTimeout bounds one backend call; zero means unbounded.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutMs) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
