package plugin

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a device session.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// DeviceConnection is the ephemeral state of one device session. It is owned
// by the issuing plugin while connected; callers hold a snapshot only.
type DeviceConnection struct {
	DeviceID        string           `json:"device_id"`
	IsConnected     bool             `json:"is_connected"`
	BatteryLevel    int              `json:"battery_level"`
	SignalStrength  int              `json:"signal_strength"`
	FirmwareVersion string           `json:"firmware_version"`
	Status          ConnectionStatus `json:"status"`
	LastSync        *time.Time       `json:"last_sync,omitempty"`
}

// ConnectParams carries the per-device connection request.
type ConnectParams struct {
	DeviceID      string         `json:"device_id"`
	Timeout       time.Duration  `json:"timeout"`
	RetryAttempts int            `json:"retry_attempts"`
	Config        map[string]any `json:"config,omitempty"`
}

// ReadOptions tunes a live measurement.
type ReadOptions struct {
	// Condition overrides the time-of-day measurement context,
	// e.g. "fasting", "post_meal", "bedtime".
	Condition string `json:"condition,omitempty"`
}

// HistoryOptions bounds a historical backfill read.
type HistoryOptions struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Limit int       `json:"limit"`
}

// Severity tags a sync error for the report consumer.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SyncError is one captured per-device failure inside a sync run.
type SyncError struct {
	DeviceID string   `json:"device_id"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// SyncResult is the outcome of syncing a single device. Partial failure never
// surfaces as a Go error: failures live in Errors with Success=false.
type SyncResult struct {
	DeviceID      string        `json:"device_id"`
	Success       bool          `json:"success"`
	RecordsSynced int           `json:"records_synced"`
	Errors        []SyncError   `json:"errors,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	SyncedAt      time.Time     `json:"synced_at"`
}

// BulkSyncResult aggregates per-device sync outcomes across one batch.
type BulkSyncResult struct {
	Results      []SyncResult  `json:"results"`
	TotalRecords int           `json:"total_records"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration_ns"`
}

// ConfigResult reports configuration validation without throwing.
type ConfigResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Config is the configuration every plugin receives. Unrecognized feature
// keys are ignored, not errors.
type Config struct {
	Environment string         `json:"environment"`
	Features    map[string]any `json:"features,omitempty"`
}

// FeatureBool reads a boolean feature flag, returning def when absent or of
// the wrong type.
func (c Config) FeatureBool(name string, def bool) bool {
	v, ok := c.Features[name]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// RouteSpec declares one HTTP endpoint a plugin wants the outer framework to
// mount. The plugin never binds a socket itself; this is metadata only.
type RouteSpec struct {
	Method       string   `json:"method"`
	Path         string   `json:"path"`
	HandlerName  string   `json:"handler_name"`
	AuthRequired bool     `json:"auth_required"`
	Roles        []string `json:"roles,omitempty"`
}
