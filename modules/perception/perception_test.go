package perception_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/e7canasta/perception-sync/modules/perception"
)

func validConfig() perception.Config {
	return perception.Config{
		Model:          "efficientdet_lite0",
		ScoreThreshold: 0.5,
		MaxResults:     3,
		NumThreads:     2,
		Delegate:       perception.DelegateCPU,
		Mode:           perception.ModeLiveStream,
	}
}

// TestConfigIdentity verifies that configs are compared by value and that
// the running mode takes part in the comparison.
func TestConfigIdentity(t *testing.T) {
	a := validConfig()
	b := validConfig()
	if a != b {
		t.Fatal("identical configs must compare equal")
	}

	c := a.WithMode(perception.ModeVideo)
	if a == c {
		t.Fatal("running mode must be part of config identity")
	}
	if a.Mode != perception.ModeLiveStream {
		t.Fatal("WithMode must not mutate the receiver")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*perception.Config)
		ok     bool
	}{
		{"valid", func(*perception.Config) {}, true},
		{"no model", func(c *perception.Config) { c.Model = "" }, false},
		{"threshold above one", func(c *perception.Config) { c.ScoreThreshold = 1.2 }, false},
		{"negative threshold", func(c *perception.Config) { c.ScoreThreshold = -0.1 }, false},
		{"zero results", func(c *perception.Config) { c.MaxResults = 0 }, false},
		{"too many threads", func(c *perception.Config) { c.NumThreads = perception.NumThreadsLimit + 1 }, false},
		{"unknown delegate", func(c *perception.Config) { c.Delegate = 7 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, perception.ErrInvalidConfig) {
					t.Fatalf("error %v does not wrap ErrInvalidConfig", err)
				}
			}
		})
	}
}

func TestParseNames(t *testing.T) {
	for _, m := range []perception.RunningMode{perception.ModeImage, perception.ModeVideo, perception.ModeLiveStream} {
		got, err := perception.ParseRunningMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseRunningMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	for _, d := range []perception.Delegate{perception.DelegateCPU, perception.DelegateGPU, perception.DelegateNNAPI} {
		got, err := perception.ParseDelegate(d.String())
		if err != nil || got != d {
			t.Errorf("ParseDelegate(%q) = %v, %v", d.String(), got, err)
		}
	}
	if _, err := perception.ParseDelegate("tpu"); err == nil {
		t.Error("expected error for unknown delegate")
	}
}

func TestInferenceErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("model crashed")
	err := fmt.Errorf("prescan: %w", &perception.InferenceError{Index: 2, Err: cause})

	if !errors.Is(err, perception.ErrInferenceFailed) {
		t.Error("InferenceError must match ErrInferenceFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("InferenceError must expose its cause")
	}

	var ie *perception.InferenceError
	if !errors.As(err, &ie) || ie.Index != 2 {
		t.Fatalf("errors.As failed: %v", err)
	}
}
