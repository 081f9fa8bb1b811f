// Package plugin defines the contract every device adapter implements, the
// static capability descriptors the registry and management service consult
// before dispatch, and the process-wide plugin registry.
package plugin

import (
	"context"

	"github.com/carelink/devicehub/internal/vital"
)

// Capabilities describes what a plugin supports. Immutable after load; the
// management service rejects unsupported operations before dispatch.
type Capabilities struct {
	Realtime        bool `json:"realtime"`
	Historical      bool `json:"historical"`
	Bulk            bool `json:"bulk"`
	MaxHistoryDays  int  `json:"max_history_days"`
	MinSyncInterval int  `json:"min_sync_interval_minutes"`
}

// Metadata is the static descriptor of a plugin.
type Metadata struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	DeviceTypes  []string     `json:"device_types"`
	Regions      []string     `json:"regions,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// SupportsDeviceType reports whether the plugin declares support for a device type.
func (m Metadata) SupportsDeviceType(deviceType string) bool {
	for _, t := range m.DeviceTypes {
		if t == deviceType {
			return true
		}
	}
	return false
}

// DevicePlugin is the polymorphic contract every device adapter implements.
//
// Initialize must complete before any other method is invoked; calling it
// twice is undefined. Destroy releases all plugin resources and is the only
// method safe to call after shutdown begins. Disconnect is safe on an
// already-disconnected device. A plugin that cannot support an operation
// fails fast with a KindUnsupported *Error, never a silent no-op.
type DevicePlugin interface {
	Metadata() Metadata

	Initialize(ctx context.Context, cfg Config) error
	Destroy(ctx context.Context) error

	// DiscoverDevices performs a lazy, finite scan for connectable devices.
	// The returned candidates are not yet connected.
	DiscoverDevices(ctx context.Context) ([]DeviceConnection, error)

	Connect(ctx context.Context, params ConnectParams) (*DeviceConnection, error)
	Disconnect(ctx context.Context, deviceID string) error
	ConnectionStatus(ctx context.Context, deviceID string) (*DeviceConnection, error)

	// ReadData performs a live measurement. It blocks for a realistic
	// device-acquisition delay and may fail with KindResourceExhausted when a
	// required consumable is depleted.
	ReadData(ctx context.Context, deviceID string, opts *ReadOptions) (*vital.VitalData, error)

	// ReadHistoricalData returns readings already recorded on the device,
	// bounded by the options and sorted ascending by timestamp.
	ReadHistoricalData(ctx context.Context, deviceID string, opts HistoryOptions) ([]*vital.VitalData, error)

	TransformData(raw map[string]any, deviceType string) (*vital.VitalData, error)
	ValidateData(data *vital.VitalData) vital.ValidationResult

	// SyncDevice pulls new readings since the last sync. Per-reading failures
	// are captured in the result, never returned as a Go error; only
	// infrastructure-level failures propagate.
	SyncDevice(ctx context.Context, deviceID string) (*SyncResult, error)
	BulkSync(ctx context.Context, deviceIDs []string) (*BulkSyncResult, error)

	DefaultConfig() Config
	ValidateConfig(cfg Config) ConfigResult

	// Routes declares the HTTP surface the plugin wants exposed, as metadata
	// for whatever outer framework mounts it.
	Routes() []RouteSpec
}
