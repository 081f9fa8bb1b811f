package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/device"
	"github.com/carelink/devicehub/internal/platform/events"
	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/plugin/bloodpressure"
	"github.com/carelink/devicehub/internal/plugin/glucose"
)

func newTestSeeder(t *testing.T) (*Seeder, *device.Service) {
	t.Helper()
	registry := plugin.NewRegistry()
	cfg := plugin.Config{Environment: "test", Features: map[string]any{"mock_data": true}}
	for _, p := range []plugin.DevicePlugin{glucose.New(zerolog.Nop()), bloodpressure.New(zerolog.Nop())} {
		if err := p.Initialize(context.Background(), cfg); err != nil {
			t.Fatalf("initialize plugin: %v", err)
		}
		registry.Register(p)
	}
	svc := device.NewService(registry,
		device.NewInMemoryDeviceStore(),
		device.NewInMemoryReadingStore(),
		events.NewBus(zerolog.Nop()))
	return NewSeeder(svc, zerolog.Nop()), svc
}

func TestSeeder_SeedsRequestedVolume(t *testing.T) {
	seeder, svc := newTestSeeder(t)

	result, err := seeder.Seed(context.Background(), SeedConfig{
		PatientCount:      5,
		DevicesPerPatient: 2,
		Seed:              42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Patients != 5 {
		t.Errorf("expected 5 patients, got %d", result.Patients)
	}
	if result.Devices+result.Skipped != 10 {
		t.Errorf("expected 10 attempts, got %d", result.Devices+result.Skipped)
	}

	devices, err := svc.ListDevices(context.Background(), device.Filter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != result.Devices {
		t.Errorf("expected %d registered devices, got %d", result.Devices, len(devices))
	}
}

func TestSeeder_Reproducible(t *testing.T) {
	seeder1, _ := newTestSeeder(t)
	seeder2, _ := newTestSeeder(t)

	cfg := SeedConfig{PatientCount: 3, DevicesPerPatient: 2, Seed: 7}
	r1, err := seeder1.Seed(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := seeder2.Seed(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r1.DeviceIDs) != len(r2.DeviceIDs) {
		t.Fatalf("expected identical device counts, got %d and %d", len(r1.DeviceIDs), len(r2.DeviceIDs))
	}
	for i := range r1.DeviceIDs {
		if r1.DeviceIDs[i] != r2.DeviceIDs[i] {
			t.Errorf("device %d differs: %s vs %s", i, r1.DeviceIDs[i], r2.DeviceIDs[i])
		}
	}
}

func TestSeeder_MixesPluginTypes(t *testing.T) {
	seeder, _ := newTestSeeder(t)

	result, err := seeder.Seed(context.Background(), SeedConfig{
		PatientCount:      4,
		DevicesPerPatient: 2,
		Seed:              99,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var glucoseSeen, bpSeen bool
	for _, id := range result.DeviceIDs {
		if strings.HasPrefix(id, "GM-") {
			glucoseSeen = true
		}
		if strings.HasPrefix(id, "BP-") {
			bpSeen = true
		}
	}
	if !glucoseSeen || !bpSeen {
		t.Errorf("expected both device families, got %v", result.DeviceIDs)
	}
}

func TestSeedConfig_Normalize(t *testing.T) {
	cfg := SeedConfig{PatientCount: -1, DevicesPerPatient: 0, AutoSyncRatio: 150}
	cfg.normalize()
	if cfg.PatientCount != 10 || cfg.DevicesPerPatient != 2 || cfg.AutoSyncRatio != 50 {
		t.Errorf("unexpected normalized config: %+v", cfg)
	}
}

func TestSeedHandler_DefaultsOnEmptyBody(t *testing.T) {
	seeder, _ := newTestSeeder(t)
	h := NewHandler(seeder)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/sandbox/seed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SeedHandler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var result SeedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if result.Patients != 10 {
		t.Errorf("expected default 10 patients, got %d", result.Patients)
	}
}

func TestSeedHandler_CustomConfig(t *testing.T) {
	seeder, _ := newTestSeeder(t)
	h := NewHandler(seeder)
	e := echo.New()

	body := `{"patient_count":2,"devices_per_patient":1,"seed":5}`
	req := httptest.NewRequest(http.MethodPost, "/sandbox/seed", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SeedHandler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result SeedResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Patients != 2 {
		t.Errorf("expected 2 patients, got %d", result.Patients)
	}
	if result.Seed != 5 {
		t.Errorf("expected seed 5, got %d", result.Seed)
	}
}
