// Package bloodpressure implements a mock blood-pressure cuff plugin.
// Systolic pressure is the primary value and diastolic the secondary; pulse
// rides along in the raw payload. Unlike the glucose meter it has no
// consumable, but the battery depletes with every measurement and a flat
// battery is a first-class failure.
package bloodpressure

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
	PluginID   = "mock-bp-monitor"
	DeviceType = "bp_monitor"

	historyCap = 120

	// batteryPerRead is the battery cost of one inflation cycle.
	batteryPerRead = 2
)

type deviceState struct {
	conn    plugin.DeviceConnection
	history []*vital.VitalData
	// hypertensive biases generated values upward.
	hypertensive bool
}

// Plugin is the mock blood-pressure monitor.
type Plugin struct {
	mu          sync.Mutex
	logger      zerolog.Logger
	cfg         plugin.Config
	initialized bool
	devices     map[string]*deviceState
	rng         *rand.Rand

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
		connectDelayMax: time.Second,
		readDelay:       5 * time.Second, // cuff inflation takes a while
		syncDelayMax:    time.Second,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          PluginID,
		Name:        "Mock Blood Pressure Monitor",
		Version:     "0.9.0",
		DeviceTypes: []string{DeviceType},
		Regions:     []string{"us"},
		Capabilities: plugin.Capabilities{
			Realtime:        true,
			Historical:      true,
			Bulk:            true,
			MaxHistoryDays:  30,
			MinSyncInterval: 30,
		},
	}
}

func (p *Plugin) Initialize(_ context.Context, cfg plugin.Config) error {
	if res := p.ValidateConfig(cfg); !res.IsValid {
		return &plugin.Error{Kind: plugin.KindConfig, PluginID: PluginID,
			Message: fmt.Sprintf("invalid config: %v", res.Errors)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.initialized = true
	p.logger.Info().Str("environment", cfg.Environment).Msg("blood pressure plugin initialized")
	return nil
}

func (p *Plugin) Destroy(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.devices {
		delete(p.devices, id)
	}
	p.initialized = false
	return nil
}

func (p *Plugin) DiscoverDevices(_ context.Context) ([]plugin.DeviceConnection, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return []plugin.DeviceConnection{
		{DeviceID: "bp-sim-001", BatteryLevel: 40 + p.rng.Intn(60),
			SignalStrength: 60 + p.rng.Intn(40), FirmwareVersion: "1.0.8",
			Status: plugin.StatusDisconnected},
		{DeviceID: "bp-sim-002", BatteryLevel: 40 + p.rng.Intn(60),
			SignalStrength: 60 + p.rng.Intn(40), FirmwareVersion: "1.0.8",
			Status: plugin.StatusDisconnected},
	}, nil
}

func (p *Plugin) Connect(ctx context.Context, params plugin.ConnectParams) (*plugin.DeviceConnection, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	if params.DeviceID == "" {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, "", "device id is required")
	}

	p.mu.Lock()
	simulateErrors := p.cfg.FeatureBool("simulate_errors", false)
	delay := time.Duration(0)
	if p.connectDelayMax > 0 {
		delay = time.Duration(p.rng.Int63n(int64(p.connectDelayMax)))
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
		st = &deviceState{hypertensive: p.rng.Float64() < 0.3}
		if h, isBool := params.Config["hypertensive"].(bool); isBool {
			st.hypertensive = h
		}
		p.devices[params.DeviceID] = st
	}
	st.conn = plugin.DeviceConnection{
		DeviceID:        params.DeviceID,
		IsConnected:     true,
		BatteryLevel:    40 + p.rng.Intn(60),
		SignalStrength:  60 + p.rng.Intn(40),
		FirmwareVersion: "1.0.8",
		Status:          plugin.StatusConnected,
		LastSync:        st.conn.LastSync,
	}
	conn := st.conn
	return &conn, nil
}

func (p *Plugin) Disconnect(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok || !st.conn.IsConnected {
		return nil
	}
	st.conn.IsConnected = false
	st.conn.Status = plugin.StatusDisconnected
	return nil
}

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

// ReadData inflates the cuff. A battery below the cost of one measurement is
// the resource-exhaustion case for this device family.
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
	if st.conn.BatteryLevel < batteryPerRead {
		p.mu.Unlock()
		return nil, plugin.NewError(plugin.KindResourceExhausted, PluginID, deviceID,
			"battery too low for a measurement")
	}
	delay := p.readDelay
	p.mu.Unlock()

	if err := p.sleep(ctx, delay); err != nil {
		return nil, plugin.NewError(plugin.KindConnection, PluginID, deviceID, "read canceled")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !st.conn.IsConnected {
		return nil, plugin.NewError(plugin.KindNotConnected, PluginID, deviceID,
			"device disconnected mid-read")
	}
	condition := ""
	if opts != nil {
		condition = opts.Condition
	}
	reading := p.generateReading(st, deviceID, p.now(), condition)
	st.conn.BatteryLevel -= batteryPerRead
	p.appendHistory(st, reading)
	return reading, nil
}

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

	// Morning and evening measurements, the usual home-monitoring cadence.
	slots := []time.Duration{8 * time.Hour, 20 * time.Hour}
	var out []*vital.VitalData
	day := opts.Start.Truncate(24 * time.Hour)
	for !day.After(opts.End) && len(out) < limit {
		for _, offset := range slots {
			ts := day.Add(offset)
			if ts.Before(opts.Start) || ts.After(opts.End) {
				continue
			}
			out = append(out, p.generateReading(st, deviceID, ts, ""))
			if len(out) >= limit {
				break
			}
		}
		day = day.Add(24 * time.Hour)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (p *Plugin) TransformData(raw map[string]any, deviceType string) (*vital.VitalData, error) {
	return vital.Transform(raw, deviceType, vital.ReadingBloodPressure, MappingRules())
}

func (p *Plugin) ValidateData(data *vital.VitalData) vital.ValidationResult {
	return vital.Validate(data, vital.AgeAdult)
}

// MappingRules is the cuff's raw-to-canonical ruleset.
func MappingRules() []vital.MappingRule {
	return []vital.MappingRule{
		{SourceField: "systolic", TargetField: "primary_value", Required: true, Transform: vital.Round1},
		{SourceField: "diastolic", TargetField: "secondary_value", Required: true, Transform: vital.Round1},
		{SourceField: "unit", TargetField: "unit", Transform: vital.DefaultString("mmHg")},
		{SourceField: "timestamp", TargetField: "timestamp"},
		{SourceField: "cuff_site", TargetField: "context.measurement_site"},
	}
}

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
	count := 1 + p.rng.Intn(2)
	for i := 0; i < count; i++ {
		if st.conn.BatteryLevel < batteryPerRead {
			result.Errors = append(result.Errors, plugin.SyncError{
				DeviceID: deviceID,
				Code:     string(plugin.KindResourceExhausted),
				Message:  "battery too low for a measurement",
				Severity: plugin.SeverityHigh,
			})
			break
		}
		ts := p.now().Add(-time.Duration(count-i) * 12 * time.Hour)
		reading := p.generateReading(st, deviceID, ts, "")
		st.conn.BatteryLevel -= batteryPerRead
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
					DeviceID: id, Code: "sync_failed", Message: err.Error(),
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

func (p *Plugin) DefaultConfig() plugin.Config {
	return plugin.Config{
		Environment: "development",
		Features: map[string]any{
			"mock_data":       true,
			"simulate_errors": false,
		},
	}
}

func (p *Plugin) ValidateConfig(cfg plugin.Config) plugin.ConfigResult {
	res := plugin.ConfigResult{IsValid: true}
	if cfg.Environment == "" {
		res.IsValid = false
		res.Errors = append(res.Errors, "environment is required")
	}
	for _, flag := range []string{"mock_data", "simulate_errors"} {
		if v, ok := cfg.Features[flag]; ok {
			if _, isBool := v.(bool); !isBool {
				res.IsValid = false
				res.Errors = append(res.Errors, fmt.Sprintf("feature %q must be a boolean", flag))
			}
		}
	}
	return res
}

func (p *Plugin) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{
		{Method: "GET", Path: "/devices", HandlerName: "ListDevices", AuthRequired: true,
			Roles: []string{"physician", "nurse", "patient"}},
		{Method: "POST", Path: "/devices/:deviceID/read", HandlerName: "ReadDevice", AuthRequired: true,
			Roles: []string{"physician", "nurse", "patient"}},
		{Method: "GET", Path: "/devices/:deviceID/history", HandlerName: "DeviceHistory", AuthRequired: true,
			Roles: []string{"physician", "nurse"}},
	}
}

// generateReading produces one synthetic cuff measurement. Callers hold p.mu.
func (p *Plugin) generateReading(st *deviceState, deviceID string, ts time.Time, condition string) *vital.VitalData {
	sysMean, diaMean := 118.0, 76.0
	if st.hypertensive {
		sysMean, diaMean = 150.0, 95.0
	}
	// Evening readings trend slightly higher.
	if ts.Hour() >= 18 {
		sysMean += 5
		diaMean += 3
	}

	systolic := math.Round((sysMean+(p.rng.Float64()*2-1)*18)*10) / 10
	diastolic := math.Round((diaMean+(p.rng.Float64()*2-1)*12)*10) / 10
	if diastolic >= systolic-10 {
		diastolic = systolic - 30
	}
	pulse := 60 + p.rng.Intn(40)

	readingCtx := &vital.Context{Condition: condition, MeasurementSite: "upper_arm"}
	if systolic > 180 || diastolic > 120 {
		readingCtx.Symptoms = []string{"headache", "blurred_vision"}
	}

	// Cuff-fit quality: a loose cuff degrades confidence.
	quality := 0.8 + p.rng.Float64()*0.2
	return &vital.VitalData{
		DeviceID:       deviceID,
		ReadingType:    vital.ReadingBloodPressure,
		Timestamp:      ts,
		PrimaryValue:   systolic,
		SecondaryValue: &diastolic,
		Unit:           "mmHg",
		Context:        readingCtx,
		Quality:        &quality,
		RawData: map[string]any{
			"systolic":  systolic,
			"diastolic": diastolic,
			"pulse":     pulse,
		},
	}
}

func (p *Plugin) appendHistory(st *deviceState, reading *vital.VitalData) {
	st.history = append(st.history, reading)
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}
}

func (p *Plugin) requireInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return plugin.NewError(plugin.KindConfig, PluginID, "", "plugin is not initialized")
	}
	return nil
}

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
