package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/platform/events"
	"github.com/carelink/devicehub/internal/platform/telemetry"
	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/vital"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultConnectRetries = 2
	defaultHistoryDays    = 7
)

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithTelemetry(tp *telemetry.TelemetryProvider) ServiceOption {
	return func(s *Service) { s.telemetry = tp }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service is the device gateway: it validates registrations against plugin
// capabilities, drives connect/sync lifecycles through the registered
// plugins, and turns incoming readings into persisted records, alerts and
// events.
type Service struct {
	registry  *plugin.Registry
	devices   DeviceStore
	readings  ReadingStore
	bus       *events.Bus
	logger    zerolog.Logger
	telemetry *telemetry.TelemetryProvider
	now       func() time.Time

	// inFlight tracks device identifiers with a sync currently running, so
	// overlapping batch runs never double-sync the same device.
	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// NewService wires the device gateway.
func NewService(registry *plugin.Registry, devices DeviceStore, readings ReadingStore, bus *events.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		devices:  devices,
		readings: readings,
		bus:      bus,
		logger:   zerolog.Nop(),
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(eventType string, payload any) {
	if s.bus != nil {
		s.bus.Publish(eventType, payload)
	}
}

func (s *Service) count(operation string) {
	if s.telemetry != nil {
		s.telemetry.OperationCounter("device", operation)
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// RegisterDevice validates the registration against the plugin registry and
// persists it. Validation failures never leave a partial record behind.
func (s *Service) RegisterDevice(ctx context.Context, reg *Registration) error {
	fail := func(reason string) error {
		s.publish("device:registration_failed", map[string]any{
			"device_id": reg.DeviceIdentifier,
			"plugin_id": reg.PluginID,
			"reason":    reason,
		})
		return fmt.Errorf("register device %s: %s", reg.DeviceIdentifier, reason)
	}

	if reg.DeviceIdentifier == "" {
		return fail("device identifier is required")
	}
	pl, ok := s.registry.Get(reg.PluginID)
	if !ok {
		return fail(fmt.Sprintf("plugin %q is not registered", reg.PluginID))
	}
	meta := pl.Metadata()
	if !meta.SupportsDeviceType(reg.DeviceType) {
		return fail(fmt.Sprintf("plugin %q does not support device type %q", reg.PluginID, reg.DeviceType))
	}
	if existing, err := s.devices.FindByIdentifier(ctx, reg.DeviceIdentifier); err == nil && existing.Active {
		return fail("device is already registered")
	}

	reg.Active = true
	reg.Status = StatusRegistered
	reg.ErrorCount = 0
	if reg.SyncIntervalMinutes <= 0 {
		reg.SyncIntervalMinutes = meta.Capabilities.MinSyncInterval
	}
	if reg.SyncIntervalMinutes < meta.Capabilities.MinSyncInterval {
		return fail(fmt.Sprintf("sync interval below plugin minimum of %d minutes", meta.Capabilities.MinSyncInterval))
	}

	if err := s.devices.Save(ctx, reg); err != nil {
		return fail(fmt.Sprintf("save registration: %v", err))
	}

	s.logger.Info().
		Str("device_id", reg.DeviceIdentifier).
		Str("plugin_id", reg.PluginID).
		Str("device_type", reg.DeviceType).
		Msg("device registered")
	s.count("register")
	s.publish("device:registered", reg)
	return nil
}

// GetDevice returns the registration for a device identifier.
func (s *Service) GetDevice(ctx context.Context, deviceID string) (*Registration, error) {
	return s.devices.FindByIdentifier(ctx, deviceID)
}

// ListDevices returns registrations matching the filter.
func (s *Service) ListDevices(ctx context.Context, filter Filter) ([]*Registration, error) {
	return s.devices.FindMany(ctx, filter)
}

// DeactivateDevice soft-removes a registration, disconnecting first when the
// device is still connected.
func (s *Service) DeactivateDevice(ctx context.Context, deviceID string) error {
	reg, err := s.devices.FindByIdentifier(ctx, deviceID)
	if err != nil {
		return err
	}
	if reg.Status == StatusConnected {
		if err := s.DisconnectDevice(ctx, deviceID); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("disconnect before deactivate failed")
		}
	}
	return s.devices.Deactivate(ctx, reg.ID)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// ConnectDevice establishes the plugin-level connection for a registered
// device and records the outcome on the registration.
func (s *Service) ConnectDevice(ctx context.Context, deviceID string) (*plugin.DeviceConnection, error) {
	reg, err := s.devices.FindByIdentifier(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !reg.Active {
		return nil, fmt.Errorf("device %s is deactivated", deviceID)
	}
	pl, ok := s.registry.Get(reg.PluginID)
	if !ok {
		return nil, fmt.Errorf("plugin %q is not registered", reg.PluginID)
	}

	conn, err := pl.Connect(ctx, plugin.ConnectParams{
		DeviceID:      reg.DeviceIdentifier,
		Timeout:       defaultConnectTimeout,
		RetryAttempts: defaultConnectRetries,
		Config:        reg.ConnectionConfig,
	})
	if err != nil {
		reg.Status = StatusError
		reg.ErrorCount++
		if uerr := s.devices.Update(ctx, reg); uerr != nil {
			s.logger.Error().Err(uerr).Str("device_id", deviceID).Msg("record connection failure")
		}
		s.publish("device:connection_failed", map[string]any{
			"device_id": deviceID,
			"plugin_id": reg.PluginID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("connect device %s: %w", deviceID, err)
	}

	now := s.now()
	reg.Status = StatusConnected
	reg.ErrorCount = 0
	reg.LastConnectedAt = &now
	if err := s.devices.Update(ctx, reg); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("record connection")
	}
	s.count("connect")
	s.publish("device:connected", map[string]any{
		"device_id":  deviceID,
		"plugin_id":  reg.PluginID,
		"connection": conn,
	})
	return conn, nil
}

// DisconnectDevice tears the plugin connection down. Plugin-level disconnect
// failures are logged, not returned; the registration still moves to the
// disconnected state.
func (s *Service) DisconnectDevice(ctx context.Context, deviceID string) error {
	reg, err := s.devices.FindByIdentifier(ctx, deviceID)
	if err != nil {
		return err
	}
	if pl, ok := s.registry.Get(reg.PluginID); ok {
		if err := pl.Disconnect(ctx, reg.DeviceIdentifier); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("plugin disconnect")
		}
	}
	reg.Status = StatusDisconnected
	if err := s.devices.Update(ctx, reg); err != nil {
		return err
	}
	s.publish("device:disconnected", map[string]any{
		"device_id": deviceID,
		"plugin_id": reg.PluginID,
	})
	return nil
}

// DeviceStatus combines the stored registration with the plugin's live
// connection telemetry. A telemetry failure degrades to registration-only.
func (s *Service) DeviceStatus(ctx context.Context, deviceID string) (*Status, error) {
	reg, err := s.devices.FindByIdentifier(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	st := &Status{Registration: reg}
	if pl, ok := s.registry.Get(reg.PluginID); ok {
		conn, err := pl.ConnectionStatus(ctx, reg.DeviceIdentifier)
		if err != nil {
			s.logger.Debug().Err(err).Str("device_id", deviceID).Msg("connection status unavailable")
		} else {
			st.Connection = conn
		}
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

func (s *Service) acquireSync(deviceID string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[deviceID] {
		return false
	}
	s.inFlight[deviceID] = true
	return true
}

func (s *Service) releaseSync(deviceID string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, deviceID)
}

// SyncDevices runs one sync batch over the devices selected by opts. Per-device
// failures are captured in the report, never returned; the report always comes
// back non-nil with CompletedAt set.
func (s *Service) SyncDevices(ctx context.Context, opts SyncOptions) *SyncReport {
	filter := Filter{
		DeviceID:   opts.DeviceID,
		PatientID:  opts.PatientID,
		PluginIDs:  opts.PluginIDs,
		ActiveOnly: true,
		// Naming a device explicitly overrides its auto-sync preference;
		// everything else only sweeps devices that opted in.
		AutoSyncOnly: opts.DeviceID == "",
	}
	return s.syncBatch(ctx, filter, opts)
}

func (s *Service) syncBatch(ctx context.Context, filter Filter, opts SyncOptions) (report *SyncReport) {
	report = &SyncReport{StartedAt: s.now()}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("sync batch aborted")
			report.Errors = append(report.Errors, plugin.SyncError{
				Code:     "sync_aborted",
				Message:  fmt.Sprintf("sync batch aborted: %v", r),
				Severity: plugin.SeverityCritical,
			})
			report.CompletedAt = s.now()
			s.publish("sync:failed", report)
		}
	}()

	regs, err := s.devices.FindMany(ctx, filter)
	if err != nil {
		report.Errors = append(report.Errors, plugin.SyncError{
			Code:     "device_lookup_failed",
			Message:  err.Error(),
			Severity: plugin.SeverityCritical,
		})
		report.CompletedAt = s.now()
		s.publish("sync:failed", report)
		return report
	}

	for _, reg := range regs {
		if !s.acquireSync(reg.DeviceIdentifier) {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("device %s sync already in progress, skipped", reg.DeviceIdentifier))
			continue
		}
		func() {
			defer s.releaseSync(reg.DeviceIdentifier)
			s.syncOne(ctx, reg, opts, report)
		}()
	}

	report.CompletedAt = s.now()
	if s.telemetry != nil {
		s.telemetry.ObserveSyncDuration(report.CompletedAt.Sub(report.StartedAt).Seconds())
	}
	s.logger.Info().
		Int("devices_synced", report.DevicesSynced).
		Int("records_processed", report.RecordsProcessed).
		Int("errors", len(report.Errors)).
		Int("warnings", len(report.Warnings)).
		Msg("sync batch complete")
	s.publish("sync:completed", report)
	return report
}

func (s *Service) syncOne(ctx context.Context, reg *Registration, opts SyncOptions, report *SyncReport) {
	pl, ok := s.registry.Get(reg.PluginID)
	if !ok {
		report.Errors = append(report.Errors, plugin.SyncError{
			DeviceID: reg.DeviceIdentifier,
			Code:     "unknown_plugin",
			Message:  fmt.Sprintf("plugin %q is not registered", reg.PluginID),
			Severity: plugin.SeverityHigh,
		})
		return
	}

	res, err := pl.SyncDevice(ctx, reg.DeviceIdentifier)
	if err != nil {
		s.recordSyncFailure(ctx, reg, report, err)
		return
	}
	if !res.Success {
		report.Errors = append(report.Errors, res.Errors...)
		reg.ErrorCount++
		if uerr := s.devices.Update(ctx, reg); uerr != nil {
			s.logger.Error().Err(uerr).Str("device_id", reg.DeviceIdentifier).Msg("record sync failure")
		}
		return
	}

	report.DevicesSynced++
	report.RecordsProcessed += res.RecordsSynced
	s.count("sync")

	if opts.IncludeHistory && pl.Metadata().Capabilities.Historical {
		report.RecordsProcessed += s.backfillHistory(ctx, reg, pl, opts, report)
	}

	now := s.now()
	reg.LastSyncAt = &now
	reg.ErrorCount = 0
	if err := s.devices.Update(ctx, reg); err != nil {
		s.logger.Error().Err(err).Str("device_id", reg.DeviceIdentifier).Msg("record sync")
	}
}

func (s *Service) recordSyncFailure(ctx context.Context, reg *Registration, report *SyncReport, err error) {
	sev := plugin.SeverityHigh
	if plugin.IsNotConnected(err) {
		sev = plugin.SeverityMedium
	}
	report.Errors = append(report.Errors, plugin.SyncError{
		DeviceID: reg.DeviceIdentifier,
		Code:     "sync_failed",
		Message:  err.Error(),
		Severity: sev,
	})
	reg.ErrorCount++
	reg.Status = StatusError
	if uerr := s.devices.Update(ctx, reg); uerr != nil {
		s.logger.Error().Err(uerr).Str("device_id", reg.DeviceIdentifier).Msg("record sync failure")
	}
	s.publish("sync:failed", map[string]any{
		"device_id": reg.DeviceIdentifier,
		"plugin_id": reg.PluginID,
		"error":     err.Error(),
	})
}

// backfillHistory pulls the device's stored history, bounded by the request
// and the plugin's declared retention, and processes each reading. Returns
// the number of readings processed.
func (s *Service) backfillHistory(ctx context.Context, reg *Registration, pl plugin.DevicePlugin, opts SyncOptions, report *SyncReport) int {
	days := opts.HistoryDays
	if days <= 0 {
		days = defaultHistoryDays
	}
	if max := pl.Metadata().Capabilities.MaxHistoryDays; max > 0 && days > max {
		days = max
	}

	end := s.now()
	start := end.AddDate(0, 0, -days)
	history, err := pl.ReadHistoricalData(ctx, reg.DeviceIdentifier, plugin.HistoryOptions{Start: start, End: end})
	if err != nil {
		report.Errors = append(report.Errors, plugin.SyncError{
			DeviceID: reg.DeviceIdentifier,
			Code:     "history_read_failed",
			Message:  err.Error(),
			Severity: plugin.SeverityLow,
		})
		return 0
	}

	processed := 0
	for _, data := range history {
		if err := s.ProcessVitalData(ctx, reg, data); err != nil {
			report.Errors = append(report.Errors, plugin.SyncError{
				DeviceID: reg.DeviceIdentifier,
				Code:     "reading_rejected",
				Message:  err.Error(),
				Severity: plugin.SeverityLow,
			})
			continue
		}
		processed++
	}
	return processed
}

// ---------------------------------------------------------------------------
// Reading intake
// ---------------------------------------------------------------------------

// ProcessVitalData validates an incoming reading, persists it, evaluates
// alert thresholds and emits the processed event. Only validation failures
// are fatal; a persistence error is logged and processing continues so alerts
// are never dropped because a write failed.
func (s *Service) ProcessVitalData(ctx context.Context, reg *Registration, data *vital.VitalData) error {
	result := vital.Validate(data, vital.AgeAdult)
	if !result.IsValid {
		return fmt.Errorf("reading rejected: %v", result.Errors)
	}

	if err := s.readings.Insert(ctx, data, reg.DeviceIdentifier, reg.PluginID); err != nil {
		s.logger.Error().Err(err).
			Str("device_id", reg.DeviceIdentifier).
			Str("reading_type", string(data.ReadingType)).
			Msg("persist reading")
	}
	s.count("reading")

	for _, alert := range checkAlertConditions(reg, data) {
		eventType := "vital_alert:warning"
		if alert.Severity == plugin.SeverityCritical {
			eventType = "vital_alert:critical"
		}
		s.logger.Warn().
			Str("device_id", alert.DeviceID).
			Str("reading_type", string(alert.ReadingType)).
			Float64("value", alert.Value).
			Str("severity", string(alert.Severity)).
			Msg(alert.Message)
		s.count("alert")
		s.publish(eventType, alert)
	}

	s.publish("vital_data:processed", map[string]any{
		"device_id": reg.DeviceIdentifier,
		"plugin_id": reg.PluginID,
		"reading":   data,
		"warnings":  result.Warnings,
	})
	return nil
}

// ListReadings returns persisted readings for a device, newest first.
func (s *Service) ListReadings(ctx context.Context, deviceID string, limit, offset int) ([]*StoredReading, int, error) {
	return s.readings.ListByDevice(ctx, deviceID, limit, offset)
}

// checkAlertConditions evaluates the fixed clinical thresholds against one
// reading. Multiple alerts can fire for a blood-pressure reading when both
// components are out of range.
func checkAlertConditions(reg *Registration, data *vital.VitalData) []Alert {
	var alerts []Alert
	add := func(sev plugin.Severity, value float64, msg string) {
		alerts = append(alerts, Alert{
			DeviceID:    reg.DeviceIdentifier,
			PluginID:    reg.PluginID,
			ReadingType: data.ReadingType,
			Value:       value,
			Severity:    sev,
			Message:     msg,
			Timestamp:   data.Timestamp,
		})
	}

	switch data.ReadingType {
	case vital.ReadingBloodGlucose:
		if data.PrimaryValue < 70 {
			add(plugin.SeverityCritical, data.PrimaryValue, "critical hypoglycemia")
		} else if data.PrimaryValue > 250 {
			add(plugin.SeverityHigh, data.PrimaryValue, "hyperglycemia")
		}
	case vital.ReadingBloodPressure:
		if data.PrimaryValue > 180 {
			add(plugin.SeverityCritical, data.PrimaryValue, "hypertensive crisis: systolic")
		}
		if data.SecondaryValue != nil && *data.SecondaryValue > 120 {
			add(plugin.SeverityCritical, *data.SecondaryValue, "hypertensive crisis: diastolic")
		}
	case vital.ReadingOxygenSaturation:
		if data.PrimaryValue < 90 {
			add(plugin.SeverityCritical, data.PrimaryValue, "hypoxemia")
		}
	case vital.ReadingHeartRate:
		if data.PrimaryValue < 40 {
			add(plugin.SeverityHigh, data.PrimaryValue, "bradycardia")
		} else if data.PrimaryValue > 130 {
			add(plugin.SeverityHigh, data.PrimaryValue, "tachycardia")
		}
	}
	return alerts
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// RunScheduler periodically syncs every active auto-sync device until the
// context is cancelled. Intended to run on its own goroutine.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("sync scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sync scheduler stopped")
			return
		case <-ticker.C:
			s.syncBatch(ctx, Filter{ActiveOnly: true, AutoSyncOnly: true}, SyncOptions{})
		}
	}
}
