// Package emitter carries rendered scenes and spoken feedback out of the
// process: over MQTT to remote renderers and speaker devices, and over
// WebSocket to browser presentation layers.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/perception-sync/modules/overlay"
)

// ErrNotConnected is returned when publishing without a broker session.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

const publishTimeout = 2 * time.Second

// MQTTConfig configures an MQTTEmitter.
type MQTTConfig struct {
	Broker        string // host:port
	ClientID      string
	SceneTopic    string
	FeedbackTopic string
	QoS           byte

	// Viewport is the surface remote renderers draw on.
	Viewport overlay.Size

	Logger *slog.Logger
}

// MQTTEmitter publishes scenes and feedback utterances. It is an
// overlay.Renderer and a feedback.Speaker.
type MQTTEmitter struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	// utterance completion, set by OnUtterance
	done   func(id string)
	failed func(id string)

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// MQTTStats is a snapshot of emitter counters.
type MQTTStats struct {
	Connected bool
	Published map[string]uint64 // per topic
	Errors    uint64
}

// ScenePayload is the JSON published for every rendered scene.
type ScenePayload struct {
	InstanceID string `json:"instance_id"`
	overlay.Scene
	Viewport overlay.Size `json:"viewport"`
}

// UtterancePayload is the JSON published for every feedback utterance.
type UtterancePayload struct {
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

// NewMQTT prepares an emitter. Nothing is dialled until Connect.
func NewMQTT(cfg MQTTConfig) *MQTTEmitter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &MQTTEmitter{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "mqtt", "broker", cfg.Broker),
		published: make(map[string]uint64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt: connection established", "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt: connection lost, will auto-reconnect", "error", err)
	}
	e.client = mqtt.NewClient(opts)
	return e
}

// OnUtterance registers the completion callbacks for Speak. An utterance
// completes when the broker acknowledges its publish.
func (e *MQTTEmitter) OnUtterance(done, failed func(id string)) {
	e.done, e.failed = done, failed
}

// Connect dials the broker, waiting at most 5s or until ctx ends.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.logger.Info("mqtt: connecting")

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Viewport implements overlay.Renderer.
func (e *MQTTEmitter) Viewport() overlay.Size { return e.cfg.Viewport }

// Render implements overlay.Renderer: the scene is published as JSON and
// the call waits for the broker acknowledgement.
func (e *MQTTEmitter) Render(scene overlay.Scene) error {
	payload, err := json.Marshal(ScenePayload{
		InstanceID: e.cfg.ClientID,
		Scene:      scene,
		Viewport:   e.cfg.Viewport,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal scene: %w", err)
	}
	return e.publish(e.cfg.SceneTopic, payload)
}

// Speak implements feedback.Speaker. It returns once the publish is
// queued; completion is reported through the OnUtterance callbacks.
func (e *MQTTEmitter) Speak(ctx context.Context, text, utteranceID string) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(UtterancePayload{UtteranceID: utteranceID, Text: text, At: time.Now()})
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal utterance: %w", err)
	}

	token := e.client.Publish(e.cfg.FeedbackTopic, e.cfg.QoS, false, payload)
	go func() {
		var err error
		select {
		case <-token.Done():
			err = token.Error()
		case <-time.After(publishTimeout):
			err = errors.New("publish timeout")
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			e.countError()
			e.logger.Warn("mqtt: utterance not delivered", "utterance_id", utteranceID, "error", err)
			if e.failed != nil {
				e.failed(utteranceID)
			}
			return
		}
		e.countPublished(e.cfg.FeedbackTopic)
		if e.done != nil {
			e.done(utteranceID)
		}
	}()
	return nil
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish to %s failed: %w", topic, err)
	}

	e.countPublished(topic)
	e.logger.Debug("mqtt: published", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect closes the broker session with a 250ms grace period.
func (e *MQTTEmitter) Disconnect() {
	if e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt: disconnected")
	}
	e.setConnected(false)
}

// Stats returns a snapshot of the counters.
func (e *MQTTEmitter) Stats() MQTTStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return MQTTStats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countPublished(topic string) {
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
