package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"rtk-rover/internal/events"
	"rtk-rover/internal/telemetry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient overrides the calls the publisher makes; the rest panic.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	err       error
	sent      []published
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = c.err == nil
	c.mu.Unlock()
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func TestMQTT_TopicsPerEventKind(t *testing.T) {
	p := newMQTTPublisherWithClient(MQTTConfig{TopicBase: "field/rover1/"}, &fakeClient{})
	cases := []struct {
		ev   events.Event
		want string
	}{
		{events.Event{Kind: events.KindTelemetry, Data: telemetry.Rendered{Channel: telemetry.ChannelPosition}}, "field/rover1/telemetry/position"},
		{events.Event{Kind: events.KindTelemetry, Data: telemetry.Rendered{Channel: telemetry.ChannelErrorStatistics}}, "field/rover1/telemetry/error-statistics"},
		{events.Event{Kind: events.KindNtrip}, "field/rover1/events/ntrip"},
		{events.Event{Kind: events.KindConnection}, "field/rover1/events/connection"},
	}
	for _, tc := range cases {
		if got := p.Topic(tc.ev); got != tc.want {
			t.Fatalf("topic=%q want %q", got, tc.want)
		}
	}
}

func TestMQTT_PublishEventRequiresConnection(t *testing.T) {
	client := &fakeClient{}
	p := newMQTTPublisherWithClient(MQTTConfig{}, client)
	if err := p.PublishEvent(events.Event{Kind: events.KindScan}); err == nil {
		t.Fatalf("expected error while disconnected")
	}
	if ok, failed := p.Stats(); ok != 0 || failed != 1 {
		t.Fatalf("stats=%d/%d want 0/1", ok, failed)
	}
	if len(client.messages()) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestMQTT_ConnectErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	p := newMQTTPublisherWithClient(MQTTConfig{}, &fakeClient{err: boom})
	err := p.Connect(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want wrapped %v", err, boom)
	}
}

func TestMQTT_RunForwardsBusEvents(t *testing.T) {
	client := &fakeClient{}
	p := newMQTTPublisherWithClient(MQTTConfig{QoS: 1, Retain: true}, client)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, bus)
		close(done)
	}()

	// Run subscribes asynchronously; keep publishing until something lands.
	deadline := time.Now().Add(2 * time.Second)
	for len(client.messages()) == 0 && time.Now().Before(deadline) {
		bus.Publish(events.KindTelemetry, telemetry.Rendered{Channel: telemetry.ChannelText, Kind: telemetry.KindTXT, Text: "Message: RTK FIXED"})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := client.messages()
	if len(msgs) == 0 {
		t.Fatalf("no messages published")
	}
	m := msgs[0]
	if m.topic != "rover/telemetry/text" || m.qos != 1 || !m.retained {
		t.Fatalf("unexpected publish %+v", m)
	}
	var decoded struct {
		Kind string             `json:"kind"`
		Data telemetry.Rendered `json:"data"`
	}
	if err := json.Unmarshal(m.payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.Kind != "telemetry" || decoded.Data.Text != "Message: RTK FIXED" {
		t.Fatalf("decoded=%+v", decoded)
	}
	if client.IsConnected() {
		t.Fatalf("Run should disconnect on exit")
	}
}

type fakeWriter struct {
	points  []*write.Point
	flushed int
}

func (w *fakeWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *fakeWriter) Flush()                    { w.flushed++ }

func TestInflux_RecordsFixesOnly(t *testing.T) {
	w := &fakeWriter{}
	r := newPositionRecorder(InfluxConfig{DeviceFn: func() string { return "SIM-0001" }}, w)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r.Record(now, telemetry.Gst{Rms: 1})
	r.Record(now, telemetry.Gga{Quality: 0})
	r.Record(now, telemetry.Gga{
		Timestamp:           now.UnixMilli(),
		Quality:             4,
		SatelliteCount:      14,
		Hdop:                0.7,
		ReferenceAltitude:   545.4,
		CorrectionAge:       1.5,
		CoordinateLatitude:  48.1173,
		CoordinateLongitude: 11.5167,
	})
	r.Close()

	if len(w.points) != 1 {
		t.Fatalf("points=%d want 1", len(w.points))
	}
	if w.flushed != 1 {
		t.Fatalf("flushed=%d want 1", w.flushed)
	}
	line := write.PointToLineProtocol(w.points[0], time.Millisecond)
	for _, want := range []string{"position,device=SIM-0001,quality=4 ", "lat=48.1173", "lon=11.5167", "alt_m=545.4", "satellites=14i", "hdop=0.7", "correction_age=1.5"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), " 1748779200000") {
		t.Fatalf("line %q has wrong timestamp", line)
	}
}

func TestTee_FeedsBoardAndRecorders(t *testing.T) {
	w := &fakeWriter{}
	board := telemetry.NewBoard()
	tee := &Tee{Board: board, Recorders: []Recorder{newPositionRecorder(InfluxConfig{Device: "r1"}, w)}}

	r := tee.Handle(time.Now().UTC(), telemetry.Gga{Quality: 1})
	if r.Channel != telemetry.ChannelPosition {
		t.Fatalf("channel=%s", r.Channel)
	}
	if board.Snapshot().Position == "" {
		t.Fatalf("board not updated")
	}
	if len(w.points) != 1 {
		t.Fatalf("points=%d want 1", len(w.points))
	}
}
