package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/perception-sync/modules/config"
	"github.com/e7canasta/perception-sync/modules/perception"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte("instance_id: hall-cam\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend.Kind != "mock" || cfg.Backend.MaxResults != 3 || cfg.Backend.ScoreThreshold != 0.5 {
		t.Errorf("backend defaults = %+v", cfg.Backend)
	}
	if cfg.MinInterval() != 100*time.Millisecond {
		t.Errorf("min interval = %v", cfg.MinInterval())
	}
	if cfg.SampleInterval() != 300*time.Millisecond {
		t.Errorf("sample interval = %v", cfg.SampleInterval())
	}
	if cfg.Viewport.Width != 640 || cfg.Viewport.Height != 480 {
		t.Errorf("viewport = %+v", cfg.Viewport)
	}
	if cfg.ShutdownTimeout() != 5*time.Second || cfg.Log.Level != "info" {
		t.Errorf("shutdown=%v level=%s", cfg.ShutdownTimeout(), cfg.Log.Level)
	}
	if cfg.MQTT.Topics.Scenes != "" {
		t.Error("mqtt topics must stay empty without a broker")
	}
}

func TestLoad_File(t *testing.T) {
	yaml := `
instance_id: lab-1
backend:
  kind: subprocess
  command: /opt/worker/detect
  args: ["--verbose"]
  model: ssd-mobilenet
  score_threshold: 0.4
  max_results: 5
  num_threads: 4
  delegate: gpu
replay:
  sample_interval_ms: 250
  failure_policy: insert_empty
mqtt:
  broker: localhost:1883
websocket:
  listen: ":8090"
`
	path := filepath.Join(t.TempDir(), "perceptiond.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	got := cfg.BackendConfig(perception.ModeVideo)
	want := perception.Config{
		Model:          "ssd-mobilenet",
		ScoreThreshold: 0.4,
		MaxResults:     5,
		NumThreads:     4,
		Delegate:       perception.DelegateGPU,
		Mode:           perception.ModeVideo,
	}
	if got != want {
		t.Errorf("backend config = %+v, want %+v", got, want)
	}
	if cfg.BackendConfig(perception.ModeLiveStream) == got {
		t.Error("the running mode must be part of the session identity")
	}

	if cfg.MQTT.ClientID != "lab-1" || cfg.MQTT.Topics.Scenes != "perception/scenes/lab-1" ||
		cfg.MQTT.Topics.Feedback != "perception/feedback/lab-1" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.WebSocket.Path != "/scenes" {
		t.Errorf("websocket path = %q", cfg.WebSocket.Path)
	}
	if cfg.SampleInterval() != 250*time.Millisecond || cfg.Replay.FailurePolicy != "insert_empty" {
		t.Errorf("replay = %+v", cfg.Replay)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"instance id":       "instance_id: Hall_Cam",
		"backend kind":      "backend: {kind: tflite}",
		"subprocess cmd":    "backend: {kind: subprocess}",
		"threshold":         "backend: {score_threshold: 1.5}",
		"max results":       "backend: {max_results: 11}",
		"threads":           "backend: {num_threads: 9}",
		"delegate":          "backend: {delegate: tpu}",
		"failure policy":    "replay: {failure_policy: retry}",
		"negative interval": "live: {min_interval_ms: -5}",
		"log level":         "log: {level: trace}",
		"qos":               "mqtt: {broker: 'x:1883', qos: 3}",
		"malformed":         "backend: [",
	}
	for name, doc := range tests {
		if _, err := config.Parse([]byte(doc)); err == nil {
			t.Errorf("%s: accepted %q", name, doc)
		} else if !strings.Contains(err.Error(), "config") {
			t.Errorf("%s: error %q lacks context", name, err)
		}
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
