package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/devicehub/internal/platform/auth"
	"github.com/carelink/devicehub/internal/platform/events"
	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/internal/vital"
)

// routedFakePlugin adds a declared HTTP surface to fakePlugin.
type routedFakePlugin struct {
	fakePlugin
}

func (p *routedFakePlugin) DiscoverDevices(context.Context) ([]plugin.DeviceConnection, error) {
	return []plugin.DeviceConnection{
		{DeviceID: "gm-1", Status: plugin.StatusDisconnected},
		{DeviceID: "gm-2", Status: plugin.StatusDisconnected},
	}, nil
}

func (p *routedFakePlugin) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{
		{Method: "GET", Path: "/devices", HandlerName: "ListDevices", AuthRequired: true,
			Roles: []string{"physician", "nurse"}},
		{Method: "POST", Path: "/devices/:deviceID/calibrate", HandlerName: "CalibrateDevice", AuthRequired: true,
			Roles: []string{"physician"}},
	}
}

func injectRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestServer(t *testing.T, roles []string, plugins ...plugin.DevicePlugin) (*echo.Echo, *Service) {
	t.Helper()
	registry := plugin.NewRegistry()
	for _, pl := range plugins {
		registry.Register(pl)
	}
	devices := NewInMemoryDeviceStore()
	readings := NewInMemoryReadingStore()
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(registry, devices, readings, bus, WithLogger(zerolog.Nop()))

	e := echo.New()
	api := e.Group("/api/v1")
	if roles != nil {
		api.Use(injectRoles(roles...))
	}
	NewHandler(svc, registry).RegisterRoutes(api)
	return e, svc
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RegisterDevice(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, _ := newTestServer(t, []string{"physician"}, pl)

	rec := doJSON(e, http.MethodPost, "/api/v1/devices",
		`{"device_identifier":"gm-1","plugin_id":"mock-glucose-meter","device_type":"glucose_meter","connection_type":"bluetooth"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var reg Registration
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.Status != StatusRegistered {
		t.Fatalf("expected status %q, got %q", StatusRegistered, reg.Status)
	}
}

func TestHandler_RegisterDevice_UnsupportedType(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, _ := newTestServer(t, []string{"physician"}, pl)

	rec := doJSON(e, http.MethodPost, "/api/v1/devices",
		`{"device_identifier":"t-1","plugin_id":"mock-glucose-meter","device_type":"thermometer"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RequiresRole(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, _ := newTestServer(t, nil, pl) // no roles injected

	rec := doJSON(e, http.MethodGet, "/api/v1/devices", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without roles, got %d", rec.Code)
	}
}

func TestHandler_GetDevice_NotFound(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, _ := newTestServer(t, []string{"physician"}, pl)

	rec := doJSON(e, http.MethodGet, "/api/v1/devices/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ConnectAndStatus(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, svc := newTestServer(t, []string{"nurse"}, pl)
	ctx := context.Background()

	if err := svc.RegisterDevice(ctx, testRegistration("gm-1", "mock-glucose-meter", "glucose_meter")); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/devices/gm-1/connect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/devices/gm-1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Registration == nil || st.Registration.Status != StatusConnected {
		t.Fatalf("expected connected registration in status, got %+v", st.Registration)
	}
}

func TestHandler_SyncDevice(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, svc := newTestServer(t, []string{"physician"}, pl)

	if err := svc.RegisterDevice(context.Background(), testRegistration("gm-1", "mock-glucose-meter", "glucose_meter")); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/devices/gm-1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.DevicesSynced != 1 {
		t.Fatalf("expected 1 device synced, got %d", report.DevicesSynced)
	}
}

func TestHandler_ListReadingsPaginated(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, svc := newTestServer(t, []string{"physician"}, pl)
	ctx := context.Background()

	reg := testRegistration("gm-1", "mock-glucose-meter", "glucose_meter")
	if err := svc.RegisterDevice(ctx, reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	base := time.Now()
	for i := 0; i < 4; i++ {
		data := &vital.VitalData{
			DeviceID:     "gm-1",
			ReadingType:  vital.ReadingBloodGlucose,
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			PrimaryValue: 100,
			Unit:         "mg/dL",
		}
		if err := svc.ProcessVitalData(ctx, reg, data); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/devices/gm-1/readings?limit=2&offset=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 4 {
		t.Fatalf("expected total 4, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Fatal("expected has_more with limit 2 of 4")
	}
}

func TestHandler_MountsPluginRoutes(t *testing.T) {
	pl := &routedFakePlugin{fakePlugin: *newFakePlugin("mock-glucose-meter", "glucose_meter")}
	e, _ := newTestServer(t, []string{"physician"}, pl)

	rec := doJSON(e, http.MethodGet, "/api/v1/plugins/mock-glucose-meter/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from mounted plugin route, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2 discovered devices, got %d", resp.Total)
	}
}

func TestHandler_PluginRouteUnknownHandlerIs501(t *testing.T) {
	pl := &routedFakePlugin{fakePlugin: *newFakePlugin("mock-glucose-meter", "glucose_meter")}
	e, _ := newTestServer(t, []string{"physician"}, pl)

	rec := doJSON(e, http.MethodPost, "/api/v1/plugins/mock-glucose-meter/devices/gm-1/calibrate", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for undispatched handler name, got %d", rec.Code)
	}
}

func TestHandler_PluginRouteEnforcesDeclaredRoles(t *testing.T) {
	pl := &routedFakePlugin{fakePlugin: *newFakePlugin("mock-glucose-meter", "glucose_meter")}
	// "patient" is not in the declared role list for the plugin's routes.
	e, _ := newTestServer(t, []string{"patient"}, pl)

	rec := doJSON(e, http.MethodGet, "/api/v1/plugins/mock-glucose-meter/devices", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for undeclared role, got %d", rec.Code)
	}
}

func TestHandler_ListPlugins(t *testing.T) {
	pl := newFakePlugin("mock-glucose-meter", "glucose_meter")
	e, _ := newTestServer(t, []string{"admin"}, pl)

	rec := doJSON(e, http.MethodGet, "/api/v1/plugins", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data []plugin.Metadata `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "mock-glucose-meter" {
		t.Fatalf("unexpected plugin list: %+v", resp.Data)
	}
}
