package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/perception-sync/modules/overlay"
	"github.com/e7canasta/perception-sync/modules/perception"
)

// fakeToken completes immediately with err.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// fakeClient records publishes. Unused mqtt.Client methods panic through
// the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	messages map[string][][]byte
	err      error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messages == nil {
		c.messages = make(map[string][][]byte)
	}
	c.messages[topic] = append(c.messages[topic], payload.([]byte))
	return newToken(c.err)
}

func (c *fakeClient) published(topic string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[topic]
}

func newTestMQTT(client *fakeClient) *MQTTEmitter {
	e := NewMQTT(MQTTConfig{
		Broker:        "localhost:1883",
		ClientID:      "lab-1",
		SceneTopic:    "perception/scenes/lab-1",
		FeedbackTopic: "perception/feedback/lab-1",
		Viewport:      overlay.Size{Width: 1280, Height: 720},
	})
	e.client = client
	e.setConnected(true)
	return e
}

func testScene() overlay.Scene {
	return overlay.Scene{
		Mode:            perception.ModeVideo,
		ModeName:        perception.ModeVideo.String(),
		Index:           3,
		Overlays:        []overlay.Overlay{{Box: perception.Rect{X: 10, Y: 20, Width: 30, Height: 40}, Label: "cat 0.80"}},
		InferenceTimeMs: 13,
	}
}

func TestMQTT_RenderPublishesScene(t *testing.T) {
	client := &fakeClient{}
	e := newTestMQTT(client)

	if err := e.Render(testScene()); err != nil {
		t.Fatal(err)
	}

	msgs := client.published("perception/scenes/lab-1")
	if len(msgs) != 1 {
		t.Fatalf("published %d scenes", len(msgs))
	}
	var got ScenePayload
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.InstanceID != "lab-1" || got.Index != 3 || got.ModeName != "video" ||
		got.InferenceTimeMs != 13 || len(got.Overlays) != 1 || got.Viewport.Width != 1280 {
		t.Errorf("payload = %+v", got)
	}
	if s := e.Stats(); s.Published["perception/scenes/lab-1"] != 1 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMQTT_NotConnected(t *testing.T) {
	e := newTestMQTT(&fakeClient{})
	e.setConnected(false)

	if err := e.Render(testScene()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("render: %v", err)
	}
	if err := e.Speak(context.Background(), "cat", "u1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("speak: %v", err)
	}
	if e.Stats().Errors != 2 {
		t.Errorf("errors = %d", e.Stats().Errors)
	}
}

// TestMQTT_SpeakCompletesOnAck checks the broker acknowledgement is what
// completes an utterance, and a failed publish fails it.
func TestMQTT_SpeakCompletesOnAck(t *testing.T) {
	client := &fakeClient{}
	e := newTestMQTT(client)

	results := make(chan string, 2)
	e.OnUtterance(
		func(id string) { results <- "done:" + id },
		func(id string) { results <- "failed:" + id },
	)

	if err := e.Speak(context.Background(), "cat, dog", "u1"); err != nil {
		t.Fatal(err)
	}
	if got := <-results; got != "done:u1" {
		t.Errorf("first utterance: %s", got)
	}

	var payload UtterancePayload
	if err := json.Unmarshal(client.published("perception/feedback/lab-1")[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UtteranceID != "u1" || payload.Text != "cat, dog" {
		t.Errorf("payload = %+v", payload)
	}

	client.err = errors.New("broker rejected")
	if err := e.Speak(context.Background(), "bird", "u2"); err != nil {
		t.Fatal(err)
	}
	if got := <-results; got != "failed:u2" {
		t.Errorf("second utterance: %s", got)
	}
}

func TestWSHub_BroadcastsScenes(t *testing.T) {
	hub := NewWSHub(overlay.Size{Width: 640, Height: 480}, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().Clients != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Render(testScene()); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got ScenePayload
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatal(err)
	}
	if got.Index != 3 || got.Viewport.Height != 480 || got.Overlays[0].Label != "cat 0.80" {
		t.Errorf("payload = %+v", got)
	}

	hub.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client must be disconnected after Close")
	}
	if err := hub.Render(testScene()); !errors.Is(err, ErrHubClosed) {
		t.Errorf("render after close: %v", err)
	}
}

type failingRenderer struct{ calls int }

func (r *failingRenderer) Viewport() overlay.Size { return overlay.Size{} }
func (r *failingRenderer) Render(overlay.Scene) error {
	r.calls++
	return errors.New("offline")
}

func TestFanout_CallsEveryRenderer(t *testing.T) {
	a, b := &failingRenderer{}, &failingRenderer{}
	f := NewFanout(overlay.Size{Width: 10, Height: 10}, a, b)

	if err := f.Render(testScene()); err == nil {
		t.Error("errors must be reported")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d, %d", a.calls, b.calls)
	}
	if f.Viewport().Width != 10 {
		t.Error("fanout owns the viewport")
	}
}
