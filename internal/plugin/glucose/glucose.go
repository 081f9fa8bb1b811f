// Package glucose implements a mock glucose-meter plugin exercising the full
// DevicePlugin contract with physiologically plausible synthetic data and no
// real hardware. Generated values are context-aware: the measurement slot
// (fasting, pre-meal, post-meal, bedtime) selects a base distribution, the
// synthetic patient profile shifts it, and out-of-range results attach
// simulated symptoms derived from the numeric value.
package glucose

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/vital"
)

const (
	// PluginID is the registry id of this plugin.
	PluginID = "mock-glucose-meter"

	// DeviceType is the single device type this plugin supports.
	DeviceType = "glucose_meter"

	// historyCap bounds the in-memory reading history per device (FIFO).
	historyCap = 200

	// defaultStrips is the consumable counter a fresh device starts with.
	defaultStrips = 50
)

// patientProfile biases generated values for one simulated device.
type patientProfile struct {
	DiabetesType string  // "", "type1", "type2"
	TargetLow    float64 // mg/dL
	TargetHigh   float64
}

// deviceState is the per-device in-memory mock state. Each device's state is
// independent and only touched through the owning plugin instance.
type deviceState struct {
	conn    plugin.DeviceConnection
	strips  int
	history []*vital.VitalData
	profile patientProfile
}

// Plugin is the mock glucose meter.
type Plugin struct {
	mu          sync.Mutex
	logger      zerolog.Logger
	cfg         plugin.Config
	initialized bool
	devices     map[string]*deviceState
	rng         *rand.Rand

	// Simulated I/O latency. Tests shrink these to keep runs fast.
	connectDelayMin time.Duration
	connectDelayMax time.Duration
	readDelay       time.Duration
	syncDelayMax    time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates the plugin with realistic simulated latencies.
func New(logger zerolog.Logger) *Plugin {
	return &Plugin{
		logger:          logger.With().Str("plugin", PluginID).Logger(),
		devices:         make(map[string]*deviceState),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		connectDelayMin: 500 * time.Millisecond,
		connectDelayMax: 2 * time.Second,
		readDelay:       3 * time.Second,
		syncDelayMax:    1500 * time.Millisecond,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// Metadata implements plugin.DevicePlugin.
func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          PluginID,
		Name:        "Mock Glucose Meter",
		Version:     "1.2.0",
		DeviceTypes: []string{DeviceType},
		Regions:     []string{"us", "eu"},
		Capabilities: plugin.Capabilities{
			Realtime:        true,
			Historical:      true,
			Bulk:            true,
			MaxHistoryDays:  90,
			MinSyncInterval: 15,
		},
	}
}

// Initialize implements plugin.DevicePlugin. Must be called exactly once
// before any other method.
func (p *Plugin) Initialize(_ context.Context, cfg plugin.Config) error {
	if res := p.ValidateConfig(cfg); !res.IsValid {
		return &plugin.Error{Kind: plugin.KindConfig, PluginID: PluginID,
			Message: fmt.Sprintf("invalid config: %v", res.Errors)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.initialized = true
	p.logger.Info().Str("environment", cfg.Environment).Msg("glucose plugin initialized")
	return nil
}

// Destroy implements plugin.DevicePlugin, releasing all per-device state.
func (p *Plugin) Destroy(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.devices {
		st.conn.IsConnected = false
		st.conn.Status = plugin.StatusDisconnected
		delete(p.devices, id)
	}
	p.initialized = false
	p.logger.Info().Msg("glucose plugin destroyed")
	return nil
}

// DiscoverDevices returns a finite set of connectable mock meters.
func (p *Plugin) DiscoverDevices(_ context.Context) ([]plugin.DeviceConnection, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := []plugin.DeviceConnection{}
	for i := 1; i <= 3; i++ {
		candidates = append(candidates, plugin.DeviceConnection{
			DeviceID:        fmt.Sprintf("gm-sim-%03d", i),
			IsConnected:     false,
			BatteryLevel:    60 + p.rng.Intn(40),
			SignalStrength:  50 + p.rng.Intn(50),
			FirmwareVersion: "2.1.4",
			Status:          plugin.StatusDisconnected,
		})
	}
	return candidates, nil
}

// Connect simulates a variable-latency handshake. The simulate_errors feature
// flag forces a connection failure, which callers must treat as a first-class
// error, not a crash.
func (p *Plugin) Connect(ctx context.Context, params plugin.ConnectParams) (*plugin.DeviceConnection, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	if params.DeviceID == "" {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, "", "device id is required")
	}

	p.mu.Lock()
	simulateErrors := p.cfg.FeatureBool("simulate_errors", false)
	delay := p.connectDelayMin
	if p.connectDelayMax > p.connectDelayMin {
		delay += time.Duration(p.rng.Int63n(int64(p.connectDelayMax - p.connectDelayMin)))
	}
	p.mu.Unlock()

	if err := p.sleep(ctx, delay); err != nil {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, params.DeviceID, "connect canceled")
	}

	if simulateErrors {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, params.DeviceID,
			"simulated connection failure")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[params.DeviceID]
	if !ok {
		st = &deviceState{
			strips:  defaultStrips,
			profile: p.profileFor(params),
		}
		p.devices[params.DeviceID] = st
	}
	st.conn = plugin.DeviceConnection{
		DeviceID:        params.DeviceID,
		IsConnected:     true,
		BatteryLevel:    60 + p.rng.Intn(40),
		SignalStrength:  50 + p.rng.Intn(50),
		FirmwareVersion: "2.1.4",
		Status:          plugin.StatusConnected,
		LastSync:        st.conn.LastSync,
	}
	p.logger.Debug().Str("device_id", params.DeviceID).Msg("device connected")

	conn := st.conn
	return &conn, nil
}

// profileFor derives the synthetic patient profile, honoring overrides from
// the connection config.
func (p *Plugin) profileFor(params plugin.ConnectParams) patientProfile {
	profile := patientProfile{TargetLow: 80, TargetHigh: 180}
	if dt, ok := params.Config["diabetes_type"].(string); ok {
		profile.DiabetesType = dt
	} else if p.rng.Float64() < 0.5 {
		profile.DiabetesType = "type2"
	}
	return profile
}

// Disconnect tears down the session. Safe on an already-disconnected device.
func (p *Plugin) Disconnect(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok || !st.conn.IsConnected {
		return nil
	}
	st.conn.IsConnected = false
	st.conn.Status = plugin.StatusDisconnected
	p.logger.Debug().Str("device_id", deviceID).Msg("device disconnected")
	return nil
}

// ConnectionStatus returns a point-in-time snapshot. It fails for a device
// that was never connected.
func (p *Plugin) ConnectionStatus(_ context.Context, deviceID string) (*plugin.DeviceConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok {
		return nil, plugin.NewError(plugin.KindNotFound, PluginID, deviceID, "device was never connected")
	}
	conn := st.conn
	return &conn, nil
}

// ReadData performs a live measurement. The test-strip precondition is
// enforced before the acquisition delay is paid, and the counter is only
// decremented on success.
func (p *Plugin) ReadData(ctx context.Context, deviceID string, opts *plugin.ReadOptions) (*vital.VitalData, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	st, ok := p.devices[deviceID]
	if !ok || !st.conn.IsConnected {
		p.mu.Unlock()
		return nil, plugin.NewError(plugin.KindNotConnected, PluginID, deviceID, "device is not connected")
	}
	if st.strips <= 0 {
		p.mu.Unlock()
		return nil, plugin.NewError(plugin.KindResourceExhausted, PluginID, deviceID,
			"no test strips remaining")
	}
	delay := p.readDelay
	p.mu.Unlock()

	if err := p.sleep(ctx, delay); err != nil {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, deviceID, "read canceled")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check: the device may have disconnected, or a concurrent read may
	// have consumed the last strip, while the measurement ran.
	if !st.conn.IsConnected {
		return nil, plugin.NewError(plugin.KindNotConnected, PluginID, deviceID,
			"device disconnected mid-read")
	}
	if st.strips <= 0 {
		return nil, plugin.NewError(plugin.KindResourceExhausted, PluginID, deviceID,
			"no test strips remaining")
	}
	condition := ""
	if opts != nil {
		condition = opts.Condition
	}
	reading := p.generateReading(st, deviceID, p.now(), condition)
	st.strips--
	p.appendHistory(st, reading)
	return reading, nil
}

// ReadHistoricalData synthesizes readings at canonical daily measurement
// slots inside the window, capped by limit and sorted ascending.
func (p *Plugin) ReadHistoricalData(_ context.Context, deviceID string, opts plugin.HistoryOptions) ([]*vital.VitalData, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok {
		return nil, plugin.NewError(plugin.KindNotFound, PluginID, deviceID, "device was never connected")
	}
	if opts.End.Before(opts.Start) {
		return nil, plugin.NewError(plugin.KindConfig, PluginID, deviceID, "end date precedes start date")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = historyCap
	}

	var out []*vital.VitalData
	day := opts.Start.Truncate(24 * time.Hour)
	for !day.After(opts.End) && len(out) < limit {
		for _, slot := range measurementSlots {
			ts := day.Add(slot.offset)
			if ts.Before(opts.Start) || ts.After(opts.End) {
				continue
			}
			reading := p.generateReading(st, deviceID, ts, slot.condition)
			out = append(out, reading)
			if len(out) >= limit {
				break
			}
		}
		day = day.Add(24 * time.Hour)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// TransformData implements plugin.DevicePlugin using the shared transformer
// with glucose-specific mapping rules.
func (p *Plugin) TransformData(raw map[string]any, deviceType string) (*vital.VitalData, error) {
	return vital.Transform(raw, deviceType, vital.ReadingBloodGlucose, MappingRules())
}

// ValidateData applies the shared bounds for glucose readings.
func (p *Plugin) ValidateData(data *vital.VitalData) vital.ValidationResult {
	return vital.Validate(data, vital.AgeAdult)
}

// MappingRules is the glucose meter's raw-to-canonical ruleset.
func MappingRules() []vital.MappingRule {
	return []vital.MappingRule{
		{SourceField: "glucose", TargetField: "primary_value", Required: true, Transform: vital.Round1},
		{SourceField: "unit", TargetField: "unit", Transform: vital.DefaultString("mg/dL")},
		{SourceField: "timestamp", TargetField: "timestamp"},
		{SourceField: "meal_context", TargetField: "context.condition"},
		{SourceField: "sample_site", TargetField: "context.measurement_site"},
	}
}

// SyncDevice pulls new readings since the last sync. Failures are captured in
// the result; the returned error is reserved for infrastructure faults.
func (p *Plugin) SyncDevice(ctx context.Context, deviceID string) (*plugin.SyncResult, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	start := p.now()
	result := &plugin.SyncResult{DeviceID: deviceID, SyncedAt: start}

	p.mu.Lock()
	st, ok := p.devices[deviceID]
	if !ok || !st.conn.IsConnected {
		p.mu.Unlock()
		result.Errors = append(result.Errors, plugin.SyncError{
			DeviceID: deviceID,
			Code:     string(plugin.KindNotConnected),
			Message:  "device is not connected",
			Severity: plugin.SeverityMedium,
		})
		result.Duration = p.now().Sub(start)
		return result, nil
	}
	delay := time.Duration(0)
	if p.syncDelayMax > 0 {
		delay = time.Duration(p.rng.Int63n(int64(p.syncDelayMax)))
	}
	p.mu.Unlock()

	// Mimic real I/O variance.
	if err := p.sleep(ctx, delay); err != nil {
		result.Errors = append(result.Errors, plugin.SyncError{
			DeviceID: deviceID,
			Code:     string(plugin.KindConnection),
			Message:  "sync canceled",
			Severity: plugin.SeverityMedium,
		})
		result.Duration = p.now().Sub(start)
		return result, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check: the device may have disconnected while the sync delay ran.
	if !st.conn.IsConnected {
		result.Errors = append(result.Errors, plugin.SyncError{
			DeviceID: deviceID,
			Code:     string(plugin.KindNotConnected),
			Message:  "device disconnected mid-sync",
			Severity: plugin.SeverityMedium,
		})
		result.Duration = p.now().Sub(start)
		return result, nil
	}
	count := 1 + p.rng.Intn(3)
	for i := 0; i < count; i++ {
		if st.strips <= 0 {
			result.Errors = append(result.Errors, plugin.SyncError{
				DeviceID: deviceID,
				Code:     string(plugin.KindResourceExhausted),
				Message:  "no test strips remaining",
				Severity: plugin.SeverityHigh,
			})
			break
		}
		ts := p.now().Add(-time.Duration(count-i) * time.Hour)
		reading := p.generateReading(st, deviceID, ts, "")
		st.strips--
		p.appendHistory(st, reading)
		result.RecordsSynced++
	}

	result.Success = len(result.Errors) == 0
	result.Duration = p.now().Sub(start)
	if result.Success {
		now := p.now()
		st.conn.LastSync = &now
	}
	return result, nil
}

// BulkSync invokes SyncDevice per id sequentially. One device's failure never
// aborts the batch.
func (p *Plugin) BulkSync(ctx context.Context, deviceIDs []string) (*plugin.BulkSyncResult, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	start := p.now()
	bulk := &plugin.BulkSyncResult{}
	for _, id := range deviceIDs {
		res, err := p.SyncDevice(ctx, id)
		if err != nil {
			res = &plugin.SyncResult{
				DeviceID: id,
				Errors: []plugin.SyncError{{
					DeviceID: id,
					Code:     "sync_failed",
					Message:  err.Error(),
					Severity: plugin.SeverityHigh,
				}},
			}
		}
		bulk.Results = append(bulk.Results, *res)
		bulk.TotalRecords += res.RecordsSynced
		if res.Success {
			bulk.Succeeded++
		} else {
			bulk.Failed++
		}
	}
	bulk.Duration = p.now().Sub(start)
	return bulk, nil
}

// DefaultConfig enumerates the options this plugin recognizes.
func (p *Plugin) DefaultConfig() plugin.Config {
	return plugin.Config{
		Environment: "development",
		Features: map[string]any{
			"mock_data":         true,
			"real_time_sync":    false,
			"simulate_errors":   false,
			"low_strip_warning": true,
		},
	}
}

// ValidateConfig reports problems without throwing. Unrecognized feature keys
// are ignored.
func (p *Plugin) ValidateConfig(cfg plugin.Config) plugin.ConfigResult {
	res := plugin.ConfigResult{IsValid: true}
	if cfg.Environment == "" {
		res.IsValid = false
		res.Errors = append(res.Errors, "environment is required")
	}
	for _, flag := range []string{"mock_data", "real_time_sync", "simulate_errors", "low_strip_warning"} {
		if v, ok := cfg.Features[flag]; ok {
			if _, isBool := v.(bool); !isBool {
				res.IsValid = false
				res.Errors = append(res.Errors, fmt.Sprintf("feature %q must be a boolean", flag))
			}
		}
	}
	return res
}

// Routes declares the plugin's HTTP surface as metadata.
func (p *Plugin) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{
		{Method: "GET", Path: "/devices", HandlerName: "ListDevices", AuthRequired: true,
			Roles: []string{"physician", "nurse", "patient"}},
		{Method: "POST", Path: "/devices/:deviceID/read", HandlerName: "ReadDevice", AuthRequired: true,
			Roles: []string{"physician", "nurse", "patient"}},
		{Method: "POST", Path: "/devices/:deviceID/strips/replace", HandlerName: "ReplaceStrips", AuthRequired: true,
			Roles: []string{"physician", "nurse", "patient"}},
		{Method: "GET", Path: "/devices/:deviceID/history", HandlerName: "DeviceHistory", AuthRequired: true,
			Roles: []string{"physician", "nurse"}},
	}
}

// ReplaceStrips resets the consumable counter, the maintenance operation the
// replace-strips route invokes.
func (p *Plugin) ReplaceStrips(deviceID string, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok {
		return plugin.NewError(plugin.KindNotFound, PluginID, deviceID, "device was never connected")
	}
	if count <= 0 {
		count = defaultStrips
	}
	st.strips = count
	return nil
}

// StripsRemaining reports the consumable counter for a device.
func (p *Plugin) StripsRemaining(deviceID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok {
		return 0, plugin.NewError(plugin.KindNotFound, PluginID, deviceID, "device was never connected")
	}
	return st.strips, nil
}

// ---------------------------------------------------------------------------
// Value generation
// ---------------------------------------------------------------------------

// slot is one canonical measurement moment in a day.
type slot struct {
	condition string
	offset    time.Duration
	mean      float64
	spread    float64
}

var measurementSlots = []slot{
	{condition: "fasting", offset: 7 * time.Hour, mean: 95, spread: 15},
	{condition: "pre_meal", offset: 11*time.Hour + 30*time.Minute, mean: 105, spread: 20},
	{condition: "post_meal", offset: 13*time.Hour + 30*time.Minute, mean: 145, spread: 35},
	{condition: "bedtime", offset: 22 * time.Hour, mean: 120, spread: 25},
}

// slotFor picks the distribution by explicit context, falling back to
// time-of-day.
func slotFor(condition string, ts time.Time) slot {
	if condition != "" {
		for _, s := range measurementSlots {
			if s.condition == condition {
				return s
			}
		}
	}
	h := ts.Hour()
	switch {
	case h < 10:
		return measurementSlots[0]
	case h < 13:
		return measurementSlots[1]
	case h < 18:
		return measurementSlots[2]
	default:
		return measurementSlots[3]
	}
}

// generateReading produces one synthetic reading. Callers hold p.mu.
func (p *Plugin) generateReading(st *deviceState, deviceID string, ts time.Time, condition string) *vital.VitalData {
	s := slotFor(condition, ts)

	mean, spread := s.mean, s.spread
	switch st.profile.DiabetesType {
	case "type1":
		mean += 40
		spread *= 2
	case "type2":
		mean += 25
		spread *= 1.5
	}

	value := mean + (p.rng.Float64()*2-1)*spread
	value = math.Round(value*10) / 10
	if value < 40 {
		value = 40
	}
	if value > 450 {
		value = 450
	}

	readingCtx := &vital.Context{Condition: s.condition, MeasurementSite: "fingertip"}
	// Symptoms are derived from the value, never independent of it.
	switch {
	case value < 70:
		readingCtx.Symptoms = []string{"sweating", "shakiness", "dizziness"}
	case value > 250:
		readingCtx.Symptoms = []string{"thirst", "fatigue", "blurred_vision"}
	}

	quality := 0.9 + p.rng.Float64()*0.1
	return &vital.VitalData{
		DeviceID:     deviceID,
		ReadingType:  vital.ReadingBloodGlucose,
		Timestamp:    ts,
		PrimaryValue: value,
		Unit:         "mg/dL",
		Context:      readingCtx,
		Quality:      &quality,
		RawData: map[string]any{
			"glucose":      value,
			"strips_left":  st.strips,
			"meal_context": s.condition,
		},
	}
}

// appendHistory appends a reading, evicting the oldest entries past the cap.
// Callers hold p.mu.
func (p *Plugin) appendHistory(st *deviceState, reading *vital.VitalData) {
	st.history = append(st.history, reading)
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}
}

// HistoryLen reports the stored history length for a device.
func (p *Plugin) HistoryLen(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.devices[deviceID]; ok {
		return len(st.history)
	}
	return 0
}

// OldestHistoryTimestamp returns the timestamp of the oldest retained reading.
func (p *Plugin) OldestHistoryTimestamp(deviceID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok || len(st.history) == 0 {
		return time.Time{}, false
	}
	return st.history[0].Timestamp, true
}

func (p *Plugin) requireInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return plugin.NewError(plugin.KindConfig, PluginID, "", "plugin is not initialized")
	}
	return nil
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
