package glucose

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/vital"
)

// newTestPlugin returns an initialized plugin with near-zero simulated
// latency so tests stay fast.
func newTestPlugin(t *testing.T, features map[string]any) *Plugin {
	t.Helper()
	p := New(zerolog.Nop())
	p.connectDelayMin = 0
	p.connectDelayMax = time.Millisecond
	p.readDelay = 0
	p.syncDelayMax = time.Millisecond

	cfg := p.DefaultConfig()
	for k, v := range features {
		cfg.Features[k] = v
	}
	if err := p.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return p
}

func mustConnect(t *testing.T, p *Plugin, deviceID string) {
	t.Helper()
	_, err := p.Connect(context.Background(), plugin.ConnectParams{DeviceID: deviceID})
	if err != nil {
		t.Fatalf("connect %s: %v", deviceID, err)
	}
}

func setStrips(t *testing.T, p *Plugin, deviceID string, n int) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.devices[deviceID]
	if !ok {
		t.Fatalf("device %s not connected", deviceID)
	}
	st.strips = n
}

func TestConnect_SimulatedError(t *testing.T) {
	p := newTestPlugin(t, map[string]any{"simulate_errors": true})
	_, err := p.Connect(context.Background(), plugin.ConnectParams{DeviceID: "gm-1"})
	if err == nil {
		t.Fatal("expected simulated connection failure")
	}
	if !plugin.IsConnectionError(err) {
		t.Errorf("expected connection-kind error, got %v", err)
	}
}

func TestConnect_ReturnsLiveTelemetry(t *testing.T) {
	p := newTestPlugin(t, nil)
	conn, err := p.Connect(context.Background(), plugin.ConnectParams{DeviceID: "gm-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conn.IsConnected || conn.Status != plugin.StatusConnected {
		t.Errorf("expected connected status, got %+v", conn)
	}
	if conn.BatteryLevel <= 0 || conn.FirmwareVersion == "" {
		t.Errorf("expected fresh telemetry, got %+v", conn)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	if err := p.Disconnect(context.Background(), "gm-1"); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := p.Disconnect(context.Background(), "gm-1"); err != nil {
		t.Errorf("second disconnect must be a no-op, got %v", err)
	}
	if err := p.Disconnect(context.Background(), "never-connected"); err != nil {
		t.Errorf("disconnect of unknown device must be a no-op, got %v", err)
	}
}

func TestReadData_NotConnected(t *testing.T) {
	p := newTestPlugin(t, nil)
	_, err := p.ReadData(context.Background(), "gm-1", nil)
	if !plugin.IsNotConnected(err) {
		t.Errorf("expected not-connected error, got %v", err)
	}
}

func TestReadData_ResourceExhaustionFailsBeforeDelay(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	setStrips(t, p, "gm-1", 0)
	p.mu.Lock()
	p.readDelay = 2 * time.Second
	p.mu.Unlock()

	start := time.Now()
	_, err := p.ReadData(context.Background(), "gm-1", nil)
	elapsed := time.Since(start)

	if !plugin.IsResourceExhausted(err) {
		t.Fatalf("expected resource-exhausted error, got %v", err)
	}
	if elapsed >= 2*time.Second {
		t.Errorf("exhaustion must be detected before the acquisition delay, took %v", elapsed)
	}
	if n, _ := p.StripsRemaining("gm-1"); n != 0 {
		t.Errorf("strip counter must never go below zero, got %d", n)
	}
}

func TestReadData_DecrementsOnlyOnSuccess(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	setStrips(t, p, "gm-1", 3)

	if _, err := p.ReadData(context.Background(), "gm-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := p.StripsRemaining("gm-1"); n != 2 {
		t.Errorf("expected 2 strips remaining, got %d", n)
	}
}

func TestReadData_HistoryCapFIFO(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	setStrips(t, p, "gm-1", historyCap+25)

	var firstTimestamp time.Time
	for i := 0; i < historyCap+20; i++ {
		r, err := p.ReadData(context.Background(), "gm-1", nil)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if i == 0 {
			firstTimestamp = r.Timestamp
		}
	}

	if n := p.HistoryLen("gm-1"); n != historyCap {
		t.Errorf("history length must cap at %d, got %d", historyCap, n)
	}
	oldest, ok := p.OldestHistoryTimestamp("gm-1")
	if !ok {
		t.Fatal("expected history to be non-empty")
	}
	if !oldest.After(firstTimestamp) && !oldest.Equal(firstTimestamp) {
		t.Errorf("eviction must drop oldest entries first")
	}
	if oldest.Equal(firstTimestamp) {
		t.Errorf("the very first reading should have been evicted")
	}
}

func TestReadData_ContextAwareGeneration(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	setStrips(t, p, "gm-1", 100)

	r, err := p.ReadData(context.Background(), "gm-1", &plugin.ReadOptions{Condition: "fasting"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Context == nil || r.Context.Condition != "fasting" {
		t.Errorf("expected fasting context, got %+v", r.Context)
	}
	if r.ReadingType != vital.ReadingBloodGlucose {
		t.Errorf("expected blood_glucose reading, got %q", r.ReadingType)
	}
	if r.Unit != "mg/dL" {
		t.Errorf("expected mg/dL unit, got %q", r.Unit)
	}
}

func TestSymptomsDerivedFromValue(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")

	p.mu.Lock()
	st := p.devices["gm-1"]
	p.mu.Unlock()

	// Sample the generator repeatedly: symptoms must track the numeric value
	// exactly on both sides of the thresholds.
	for i := 0; i < 200; i++ {
		p.mu.Lock()
		r := p.generateReading(st, "gm-1", time.Now(), "post_meal")
		p.mu.Unlock()
		hasLow := containsSymptom(r, "sweating")
		hasHigh := containsSymptom(r, "thirst")
		if hasLow && r.PrimaryValue >= 70 {
			t.Fatalf("low symptoms attached to value %v", r.PrimaryValue)
		}
		if hasHigh && r.PrimaryValue <= 250 {
			t.Fatalf("high symptoms attached to value %v", r.PrimaryValue)
		}
		if r.PrimaryValue < 70 && !hasLow {
			t.Fatalf("value %v missing low-glucose symptoms", r.PrimaryValue)
		}
		if r.PrimaryValue > 250 && !hasHigh {
			t.Fatalf("value %v missing high-glucose symptoms", r.PrimaryValue)
		}
	}
}

func containsSymptom(r *vital.VitalData, symptom string) bool {
	if r.Context == nil {
		return false
	}
	for _, s := range r.Context.Symptoms {
		if s == symptom {
			return true
		}
	}
	return false
}

func TestReadHistoricalData_Bounds(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	limit := 10

	readings, err := p.ReadHistoricalData(context.Background(), "gm-1", plugin.HistoryOptions{
		Start: start, End: end, Limit: limit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) > limit {
		t.Errorf("expected at most %d readings, got %d", limit, len(readings))
	}
	if len(readings) == 0 {
		t.Fatal("expected some readings in a 7-day window")
	}
	for i, r := range readings {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			t.Errorf("reading %d timestamp %v outside [%v, %v]", i, r.Timestamp, start, end)
		}
		if i > 0 && readings[i].Timestamp.Before(readings[i-1].Timestamp) {
			t.Errorf("readings not sorted ascending at index %d", i)
		}
	}
}

func TestReadHistoricalData_InvalidWindow(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	_, err := p.ReadHistoricalData(context.Background(), "gm-1", plugin.HistoryOptions{
		Start: time.Now(),
		End:   time.Now().Add(-time.Hour),
	})
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestSyncDevice_NotConnectedCapturedInResult(t *testing.T) {
	p := newTestPlugin(t, nil)
	res, err := p.SyncDevice(context.Background(), "gm-unknown")
	if err != nil {
		t.Fatalf("per-device failures must not surface as errors: %v", err)
	}
	if res.Success {
		t.Error("expected success=false")
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != string(plugin.KindNotConnected) {
		t.Errorf("expected one not_connected error, got %+v", res.Errors)
	}
}

func TestSyncDevice_DisconnectedMidSyncFailsCleanly(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")

	// Tear the connection down while the simulated sync delay runs.
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		return p.Disconnect(ctx, "gm-1")
	}

	res, err := p.SyncDevice(context.Background(), "gm-1")
	if err != nil {
		t.Fatalf("per-device failures must not surface as errors: %v", err)
	}
	if res.Success || res.RecordsSynced != 0 {
		t.Fatalf("expected clean failure with no readings, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != string(plugin.KindNotConnected) {
		t.Errorf("expected one not_connected error, got %+v", res.Errors)
	}
}

func TestBulkSync_Isolation(t *testing.T) {
	p := newTestPlugin(t, nil)
	ids := []string{"gm-1", "gm-2", "gm-3"}
	for _, id := range ids {
		mustConnect(t, p, id)
	}
	// Exhaust the middle device so its sync fails.
	setStrips(t, p, "gm-2", 0)

	bulk, err := p.BulkSync(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bulk.Results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(bulk.Results))
	}
	if bulk.Failed != 1 || bulk.Succeeded != 2 {
		t.Errorf("expected exactly one failure, got %d failed / %d succeeded", bulk.Failed, bulk.Succeeded)
	}
	for _, r := range bulk.Results {
		if r.DeviceID == "gm-2" {
			if r.Success {
				t.Error("exhausted device must fail")
			}
		} else {
			if !r.Success || r.RecordsSynced == 0 {
				t.Errorf("device %s should sync unaffected, got %+v", r.DeviceID, r)
			}
		}
	}
}

func TestValidateConfig(t *testing.T) {
	p := New(zerolog.Nop())
	tests := []struct {
		name  string
		cfg   plugin.Config
		valid bool
	}{
		{"default", p.DefaultConfig(), true},
		{"missing environment", plugin.Config{}, false},
		{"bad flag type", plugin.Config{Environment: "test",
			Features: map[string]any{"simulate_errors": "yes"}}, false},
		{"unrecognized keys ignored", plugin.Config{Environment: "test",
			Features: map[string]any{"future_flag": 42}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.ValidateConfig(tt.cfg)
			if res.IsValid != tt.valid {
				t.Errorf("expected valid=%v, got %+v", tt.valid, res)
			}
		})
	}
}

func TestUninitializedPluginFailsFast(t *testing.T) {
	p := New(zerolog.Nop())
	if _, err := p.Connect(context.Background(), plugin.ConnectParams{DeviceID: "gm-1"}); err == nil {
		t.Error("expected error from uninitialized plugin")
	}
	if _, err := p.ReadData(context.Background(), "gm-1", nil); err == nil {
		t.Error("expected error from uninitialized plugin")
	}
}

func TestTransformData_PluginRules(t *testing.T) {
	p := newTestPlugin(t, nil)
	data, err := p.TransformData(map[string]any{"glucose": 145.67}, DeviceType)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.PrimaryValue != 145.7 || data.Unit != "mg/dL" {
		t.Errorf("unexpected transform output: %+v", data)
	}
}

func TestConnectionStatus_NeverConnected(t *testing.T) {
	p := newTestPlugin(t, nil)
	_, err := p.ConnectionStatus(context.Background(), "gm-ghost")
	if !plugin.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestDestroy_ReleasesState(t *testing.T) {
	p := newTestPlugin(t, nil)
	mustConnect(t, p, "gm-1")
	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := p.ConnectionStatus(context.Background(), "gm-1"); err == nil {
		t.Error("expected state to be released after destroy")
	}
}
