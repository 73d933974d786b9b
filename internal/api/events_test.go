package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homegate/internal/dispatch"
	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/registry"
)

type published struct {
	eventType string
	payload   any
}

type fakeBus struct {
	ch  chan published
	err error
}

func (b *fakeBus) PublishEvent(eventType string, v any) error {
	b.ch <- published{eventType, v}
	return b.err
}

func (b *fakeBus) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-b.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bus publish")
		return published{}
	}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

func TestEvents_Bus(t *testing.T) {
	bus := &fakeBus{ch: make(chan published, 4)}
	ev := NewEvents(nil, bus, testLogger())

	ev.ActionnerRegistered(registry.Actionner{ID: 1, Protocol: "zwave"})
	if p := bus.next(t); p.eventType != EventActionnerRegistered {
		t.Errorf("event type = %s", p.eventType)
	}

	ev.DeviceRegistered(registry.Object{ID: 3})
	if p := bus.next(t); p.eventType != EventDeviceRegistered {
		t.Errorf("event type = %s", p.eventType)
	}

	ev.Record(context.Background(), &dispatch.Result{
		ObjectID: 3, ActionnerID: 1, Protocol: "zwave", Reply: []byte("ok"), Attempts: 1,
		Duration: 1500 * time.Microsecond, Trace: []dispatch.State{dispatch.Resolving, dispatch.Completed},
	})
	p := bus.next(t)
	got, ok := p.payload.(CommandEvent)
	if p.eventType != EventCommandCompleted || !ok {
		t.Fatalf("published %s %T", p.eventType, p.payload)
	}
	if got.Outcome != "ok" || got.State != "completed" || got.DurationMS != 1.5 || string(got.Reply) != "ok" {
		t.Errorf("event = %+v", got)
	}

	ev.Record(context.Background(), &dispatch.Result{
		ObjectID: 9, Err: errors.New("registry: object not found"), Outcome: fault.NotFound,
		Trace: []dispatch.State{dispatch.Resolving, dispatch.Failed},
	})
	p = bus.next(t)
	got, ok = p.payload.(CommandEvent)
	if !ok || p.eventType != EventCommandFailed || got.Outcome != "not_found" || got.Error == "" || got.Protocol != "" {
		t.Errorf("failed event %s = %+v", p.eventType, got)
	}
}

func TestEvents_BusErrorsDoNotBlock(t *testing.T) {
	bus := &fakeBus{ch: make(chan published, 1), err: errors.New("broker gone")}
	ev := NewEvents(nil, bus, testLogger())
	ev.DeviceRegistered(registry.Object{ID: 1})
	bus.next(t)
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// roundTrip pings through the hub so the client is known to be registered.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "p" {
		t.Fatalf("got %+v, want pong", msg)
	}
}

func TestWebSocket_Events(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	env := testServer(t, nil, func(d *Deps) {
		d.Hub = hub
		events := NewEvents(hub, nil, d.Logger)
		d.Observers = []RegistrationObserver{events}
		d.Dispatcher.AddRecorder(events)
	})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	devices := dialWS(t, srv, "?channels=devices")
	roundTrip(t, devices)

	commands := dialWS(t, srv, "")
	if err := commands.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s1",
		Payload: WSSubscribePayload{Channels: []string{ChannelCommands}}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, commands); msg.Type != WSTypeResponse || msg.ID != "s1" {
		t.Fatalf("subscribe answer = %+v", msg)
	}

	env.do(t, http.MethodPost, "/api/v1/actionners", RegisterActionnerRequest{Protocol: "zwave", Name: "hub1"})
	env.do(t, http.MethodPost, "/api/v1/devices", RegisterDeviceRequest{Name: "lamp", Kind: "light", ActionnerID: 1, IDInActionner: "Z3"})

	msg := readWS(t, devices)
	if msg.Type != WSTypeEvent || msg.Channel != ChannelDevices || msg.EventType != EventDeviceRegistered {
		t.Fatalf("devices client got %+v", msg)
	}
	var obj registry.Object
	data, _ := json.Marshal(msg.Payload) //nolint:errcheck // decoded from JSON
	if err := json.Unmarshal(data, &obj); err != nil || obj.Name != "lamp" {
		t.Errorf("payload = %s", data)
	}

	env.do(t, http.MethodPost, "/api/v1/devices/1/command", `{"text":"on"}`)
	msg = readWS(t, commands)
	if msg.Channel != ChannelCommands || msg.EventType != EventCommandCompleted {
		t.Errorf("commands client got %+v", msg)
	}

	if got := hub.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
}

func TestWebSocket_UnknownChannels(t *testing.T) {
	env := testServer(t, nil, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?channels=devices,weather"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded for an unknown channel")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake response = %v", resp)
	}
	resp.Body.Close()

	conn := dialWS(t, srv, "")
	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s",
		Payload: WSSubscribePayload{Channels: []string{"weather"}}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError || msg.ID != "s" {
		t.Errorf("got %+v, want an error", msg)
	}
}

func TestWebSocket_TokenInQuery(t *testing.T) {
	env := testServer(t, nil, authEnabled)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial: err = %v", err)
	}

	token := strings.TrimPrefix(bearer(t, "reader"), "Bearer ")
	conn := dialWS(t, srv, "?token="+token)
	roundTrip(t, conn)
}
