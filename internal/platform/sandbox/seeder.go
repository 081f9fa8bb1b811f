// Package sandbox generates synthetic device registrations for demo and
// development environments. Seeding is reproducible: the same seed value
// always produces the same patients, identifiers and device mix.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/device"
	"github.com/carelink/devicehub/internal/plugin/bloodpressure"
	"github.com/carelink/devicehub/internal/plugin/glucose"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated demo devices.
type SeedConfig struct {
	PatientCount      int   `json:"patient_count"`
	DevicesPerPatient int   `json:"devices_per_patient"`
	AutoSyncRatio     int   `json:"auto_sync_ratio"` // percent of devices with auto-sync on
	Seed              int64 `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig with sensible demo defaults.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:      10,
		DevicesPerPatient: 2,
		AutoSyncRatio:     50,
	}
}

func (c *SeedConfig) normalize() {
	if c.PatientCount <= 0 {
		c.PatientCount = 10
	}
	if c.DevicesPerPatient <= 0 {
		c.DevicesPerPatient = 2
	}
	if c.AutoSyncRatio < 0 || c.AutoSyncRatio > 100 {
		c.AutoSyncRatio = 50
	}
}

// SeedResult summarizes one seeding run.
type SeedResult struct {
	Patients    int      `json:"patients"`
	Devices     int      `json:"devices"`
	Skipped     int      `json:"skipped"`
	DeviceIDs   []string `json:"device_ids"`
	Seed        int64    `json:"seed"`
	DurationMS  int64    `json:"duration_ms"`
	CompletedAt string   `json:"completed_at"`
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// deviceTemplate pairs a plugin with its identifier prefix and device type.
type deviceTemplate struct {
	pluginID   string
	deviceType string
	prefix     string
}

var templates = []deviceTemplate{
	{pluginID: glucose.PluginID, deviceType: glucose.DeviceType, prefix: "GM"},
	{pluginID: bloodpressure.PluginID, deviceType: bloodpressure.DeviceType, prefix: "BP"},
}

// Seeder registers synthetic devices through the gateway service so every
// seeded record passes the same validation as a real registration.
type Seeder struct {
	svc    *device.Service
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewSeeder creates a seeder bound to the device service.
func NewSeeder(svc *device.Service, logger zerolog.Logger) *Seeder {
	return &Seeder{
		svc:    svc,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}
}

// Seed generates and registers the configured number of demo devices.
// Only one run may be active at a time.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("a seeding run is already in progress")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cfg.normalize()
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	start := time.Now()

	result := &SeedResult{Seed: cfg.Seed}
	for p := 0; p < cfg.PatientCount; p++ {
		// Patient identity is derived from the rng so runs are reproducible.
		patientID, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("generate patient id: %w", err)
		}
		result.Patients++

		for d := 0; d < cfg.DevicesPerPatient; d++ {
			tmpl := templates[(p+d)%len(templates)]
			reg := &device.Registration{
				PatientID:        patientID,
				PluginID:         tmpl.pluginID,
				DeviceType:       tmpl.deviceType,
				DeviceIdentifier: fmt.Sprintf("%s-demo-%04d", tmpl.prefix, rng.Intn(10000)),
				ConnectionType:   "bluetooth",
				AutoSync:         rng.Intn(100) < cfg.AutoSyncRatio,
			}
			if err := s.svc.RegisterDevice(ctx, reg); err != nil {
				// Identifier collisions within a run are possible with small
				// rng ranges; skip and continue.
				result.Skipped++
				continue
			}
			result.Devices++
			result.DeviceIDs = append(result.DeviceIDs, reg.DeviceIdentifier)
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	s.logger.Info().
		Int("patients", result.Patients).
		Int("devices", result.Devices).
		Int("skipped", result.Skipped).
		Int64("seed", result.Seed).
		Msg("sandbox seeding complete")
	return result, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler exposes seeding over HTTP. Mount only in non-production
// environments.
type Handler struct {
	seeder *Seeder
}

// NewHandler creates a sandbox HTTP handler.
func NewHandler(seeder *Seeder) *Handler {
	return &Handler{seeder: seeder}
}

// RegisterRoutes binds the sandbox routes to the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.SeedHandler)
}

// SeedHandler handles POST /sandbox/seed. An empty body uses defaults.
func (h *Handler) SeedHandler(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	result, err := h.seeder.Seed(c.Request().Context(), cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
