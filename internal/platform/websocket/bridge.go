package websocket

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/platform/events"
)

// bridgePatterns are the event bus patterns forwarded to WebSocket clients.
var bridgePatterns = []string{"device:*", "sync:*", "vital_alert:*", "vital_data:*"}

// Bridge forwards events from the in-process bus to WebSocket subscribers.
// Each bus event type becomes a hub topic, so a client that subscribes to
// "vital_alert:critical" receives exactly those events. Critical alerts are
// additionally broadcast to every connected client.
type Bridge struct {
	bus    *events.Bus
	hub    *Hub
	logger zerolog.Logger
}

// NewBridge wires the bus to the hub. Call Start to begin forwarding.
func NewBridge(bus *events.Bus, hub *Hub, logger zerolog.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		hub:    hub,
		logger: logger.With().Str("component", "ws-bridge").Logger(),
	}
}

// Start subscribes the bridge to the forwarded event patterns.
func (b *Bridge) Start() {
	for _, pattern := range bridgePatterns {
		b.bus.Subscribe(pattern, b.forward)
	}
}

// payloadProbe extracts routing metadata from event payloads without
// knowing their concrete type.
type payloadProbe struct {
	DeviceID         string `json:"device_id"`
	DeviceIdentifier string `json:"device_identifier"`
	PluginID         string `json:"plugin_id"`
}

func (b *Bridge) forward(evt events.Event) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", evt.Type).Msg("marshal event payload")
		return
	}

	var probe payloadProbe
	_ = json.Unmarshal(data, &probe)
	deviceID := probe.DeviceID
	if deviceID == "" {
		deviceID = probe.DeviceIdentifier
	}

	wsEvent := Event{
		Type:      evt.Type,
		Topic:     evt.Type,
		DeviceID:  deviceID,
		PluginID:  probe.PluginID,
		Timestamp: evt.Timestamp,
		Data:      data,
	}

	if evt.Type == "vital_alert:critical" {
		b.hub.BroadcastAll(wsEvent)
		return
	}
	b.hub.Broadcast(evt.Type, wsEvent)
}
