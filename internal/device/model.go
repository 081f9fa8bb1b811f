// Package device owns the management layer between external callers and the
// plugin layer: device registration, connection lifecycle, batch sync
// orchestration, the vital-data processing pipeline, and alert evaluation.
package device

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/vital"
)

// Registration statuses.
const (
	StatusRegistered   = "registered"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Registration is the persistent record tying a patient's device to the
// plugin that drives it. Registrations are soft-deactivated via Active,
// never physically deleted.
type Registration struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	PatientID           uuid.UUID      `db:"patient_id" json:"patient_id"`
	PluginID            string         `db:"plugin_id" json:"plugin_id"`
	DeviceType          string         `db:"device_type" json:"device_type"`
	DeviceIdentifier    string         `db:"device_identifier" json:"device_identifier"`
	ConnectionType      string         `db:"connection_type" json:"connection_type"`
	ConnectionConfig    map[string]any `db:"connection_config" json:"connection_config,omitempty"`
	Active              bool           `db:"active" json:"active"`
	AutoSync            bool           `db:"auto_sync" json:"auto_sync"`
	SyncIntervalMinutes int            `db:"sync_interval_minutes" json:"sync_interval_minutes"`
	Status              string         `db:"status" json:"status"`
	ErrorCount          int            `db:"error_count" json:"error_count"`
	LastSyncAt          *time.Time     `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastConnectedAt     *time.Time     `db:"last_connected_at" json:"last_connected_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// Status combines the stored registration with the plugin's live connection
// telemetry, when available.
type Status struct {
	Registration *Registration            `json:"registration"`
	Connection   *plugin.DeviceConnection `json:"connection,omitempty"`
}

// SyncOptions filters the candidate set of a batch sync. Zero value means
// "all active devices with auto-sync enabled".
type SyncOptions struct {
	DeviceID       string     `json:"device_id,omitempty"`
	PatientID      *uuid.UUID `json:"patient_id,omitempty"`
	PluginIDs      []string   `json:"plugin_ids,omitempty"`
	IncludeHistory bool       `json:"include_history,omitempty"`
	HistoryDays    int        `json:"history_days,omitempty"`
}

// SyncReport is the aggregate outcome of one batch sync run. Per-device
// failures are accumulated here, never thrown; partial success is expected
// and must be reported.
type SyncReport struct {
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      time.Time          `json:"completed_at"`
	DevicesSynced    int                `json:"devices_synced"`
	RecordsProcessed int                `json:"records_processed"`
	Errors           []plugin.SyncError `json:"errors,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
}

// Alert is the payload of a vital_alert event.
type Alert struct {
	DeviceID    string            `json:"device_id"`
	PluginID    string            `json:"plugin_id"`
	ReadingType vital.ReadingType `json:"reading_type"`
	Value       float64           `json:"value"`
	Severity    plugin.Severity   `json:"severity"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
}
