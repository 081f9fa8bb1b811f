package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/platform/events"
)

// dispatchPatterns lists the bus patterns forwarded to webhook endpoints.
// Endpoint-level subscriptions narrow these further.
var dispatchPatterns = []string{"device:*", "sync:*", "vital_alert:*", "vital_data:*"}

// Dispatcher subscribes to the in-process event bus and hands matching
// events to the Manager for outbound delivery. Delivery runs on the bus
// handler goroutine with a bounded timeout so a slow consumer cannot
// stall shutdown indefinitely.
type Dispatcher struct {
	manager *Manager
	logger  zerolog.Logger
	timeout time.Duration
}

// NewDispatcher creates a dispatcher bound to the given manager.
func NewDispatcher(manager *Manager, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		logger:  logger.With().Str("component", "webhook-dispatcher").Logger(),
		timeout: 30 * time.Second,
	}
}

// Start registers bus subscriptions. Call once during startup.
func (d *Dispatcher) Start(bus *events.Bus) {
	for _, pattern := range dispatchPatterns {
		bus.Subscribe(pattern, d.dispatch)
	}
	d.logger.Info().Strs("patterns", dispatchPatterns).Msg("webhook dispatcher started")
}

// idProbe pulls device and plugin identifiers out of event payloads.
// Registration payloads carry device_identifier instead of device_id.
type idProbe struct {
	DeviceID         string `json:"device_id"`
	DeviceIdentifier string `json:"device_identifier"`
	PluginID         string `json:"plugin_id"`
}

func (d *Dispatcher) dispatch(evt events.Event) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		d.logger.Warn().Err(err).Str("event_type", evt.Type).Msg("unmarshalable event payload, skipping webhook dispatch")
		return
	}

	// Best-effort: payloads without these keys still get delivered, just
	// without the device/plugin envelope fields.
	var probe idProbe
	_ = json.Unmarshal(data, &probe)
	deviceID := probe.DeviceID
	if deviceID == "" {
		deviceID = probe.DeviceIdentifier
	}

	out := OutboundEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		DeviceID:  deviceID,
		PluginID:  probe.PluginID,
		Payload:   data,
		Timestamp: evt.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	results := d.manager.Deliver(ctx, out)
	for _, r := range results {
		if !r.Success {
			d.logger.Warn().
				Str("endpoint_id", r.EndpointID).
				Str("event_type", evt.Type).
				Int("status_code", r.StatusCode).
				Str("error", r.Error).
				Msg("webhook delivery failed")
		}
	}
}
