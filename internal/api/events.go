package api

import (
	"context"
	"errors"

	"github.com/nerrad567/homegate/internal/dispatch"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/registry"
)

// Hub channels.
const (
	ChannelActionners = "actionners"
	ChannelDevices    = "devices"
	ChannelCommands   = "commands"
)

// Channels lists every channel a client may subscribe to.
var Channels = []string{ChannelActionners, ChannelDevices, ChannelCommands}

// Event types. They are the WebSocket event_type and the last MQTT topic
// level.
const (
	EventActionnerRegistered = "actionner_registered"
	EventDeviceRegistered    = "device_registered"
	EventCommandCompleted    = "command_completed"
	EventCommandFailed       = "command_failed"
)

// Bus publishes events to other processes.
type Bus interface {
	PublishEvent(eventType string, v any) error
}

// CommandEvent is the payload of command events.
type CommandEvent struct {
	ObjectID    uint32  `json:"object_id"`
	ActionnerID uint32  `json:"actionner_id,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	State       string  `json:"state"`
	Outcome     string  `json:"outcome"`
	Attempts    int     `json:"attempts"`
	DurationMS  float64 `json:"duration_ms"`
	Reply       []byte  `json:"reply,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Events fans registrations and command results out to the hub and, when
// set, the bus. It is a RegistrationObserver and a dispatch.Recorder.
type Events struct {
	hub    *Hub
	bus    Bus
	logger *logging.Logger
}

// NewEvents creates an event publisher. bus may be nil.
func NewEvents(hub *Hub, bus Bus, logger *logging.Logger) *Events {
	return &Events{hub: hub, bus: bus, logger: logger}
}

// ActionnerRegistered implements RegistrationObserver.
func (e *Events) ActionnerRegistered(a registry.Actionner) {
	e.publish(ChannelActionners, EventActionnerRegistered, a)
}

// DeviceRegistered implements RegistrationObserver.
func (e *Events) DeviceRegistered(o registry.Object) {
	e.publish(ChannelDevices, EventDeviceRegistered, o)
}

// Record implements dispatch.Recorder.
func (e *Events) Record(_ context.Context, r *dispatch.Result) {
	ev := CommandEvent{
		ObjectID:    r.ObjectID,
		ActionnerID: r.ActionnerID,
		Protocol:    r.Protocol,
		State:       r.State().String(),
		Outcome:     r.OutcomeLabel(),
		Attempts:    r.Attempts,
		DurationMS:  float64(r.Duration.Microseconds()) / 1000,
		Reply:       r.Reply,
	}
	eventType := EventCommandCompleted
	if r.Err != nil {
		ev.Error = r.Err.Error()
		eventType = EventCommandFailed
	}
	e.publish(ChannelCommands, eventType, ev)
}

func (e *Events) publish(channel, eventType string, payload any) {
	if e.hub != nil {
		e.hub.Broadcast(channel, eventType, payload)
	}
	if e.bus == nil {
		return
	}
	// Broker round trips stay off the request path.
	go func() {
		err := e.bus.PublishEvent(eventType, payload)
		switch {
		case err == nil:
		case errors.Is(err, mqtt.ErrNotConnected):
			e.logger.Debug("event not published, broker offline", "event_type", eventType)
		default:
			e.logger.Warn("publishing event failed", "event_type", eventType, "error", err)
		}
	}()
}
