package device

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/devicehub/internal/platform/auth"
	"github.com/carelink/devicehub/internal/plugin"
	"github.com/carelink/devicehub/pkg/pagination"
)

type Handler struct {
	svc      *Service
	registry *plugin.Registry
}

func NewHandler(svc *Service, registry *plugin.Registry) *Handler {
	return &Handler{svc: svc, registry: registry}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "physician", "nurse")

	devices := api.Group("/devices", role)
	devices.POST("", h.RegisterDevice)
	devices.GET("", h.ListDevices)
	devices.POST("/sync", h.SyncDevices)
	devices.GET("/:deviceID", h.GetDevice)
	devices.DELETE("/:deviceID", h.DeactivateDevice)
	devices.POST("/:deviceID/connect", h.ConnectDevice)
	devices.POST("/:deviceID/disconnect", h.DisconnectDevice)
	devices.POST("/:deviceID/sync", h.SyncDevice)
	devices.GET("/:deviceID/status", h.DeviceStatus)
	devices.GET("/:deviceID/readings", h.ListReadings)

	plugins := api.Group("/plugins", role)
	plugins.GET("", h.ListPlugins)
	plugins.GET("/:pluginID", h.GetPlugin)
	h.mountPluginRoutes(api)
}

// ---------------------------------------------------------------------------
// Device endpoints
// ---------------------------------------------------------------------------

func (h *Handler) RegisterDevice(c echo.Context) error {
	var reg Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterDevice(c.Request().Context(), &reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) ListDevices(c echo.Context) error {
	filter := Filter{
		DeviceID:   c.QueryParam("device_id"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &pid
	}
	if pluginID := c.QueryParam("plugin_id"); pluginID != "" {
		filter.PluginIDs = []string{pluginID}
	}
	items, err := h.svc.ListDevices(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (h *Handler) GetDevice(c echo.Context) error {
	reg, err := h.svc.GetDevice(c.Request().Context(), c.Param("deviceID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) DeactivateDevice(c echo.Context) error {
	if err := h.svc.DeactivateDevice(c.Request().Context(), c.Param("deviceID")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ConnectDevice(c echo.Context) error {
	conn, err := h.svc.ConnectDevice(c.Request().Context(), c.Param("deviceID"))
	if err != nil {
		return pluginHTTPError(err)
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) DisconnectDevice(c echo.Context) error {
	if err := h.svc.DisconnectDevice(c.Request().Context(), c.Param("deviceID")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SyncDevice(c echo.Context) error {
	opts := SyncOptions{
		DeviceID:       c.Param("deviceID"),
		IncludeHistory: c.QueryParam("include_history") == "true",
	}
	if days := c.QueryParam("history_days"); days != "" {
		opts.HistoryDays, _ = strconv.Atoi(days)
	}
	return c.JSON(http.StatusOK, h.svc.SyncDevices(c.Request().Context(), opts))
}

func (h *Handler) SyncDevices(c echo.Context) error {
	var opts SyncOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.SyncDevices(c.Request().Context(), opts))
}

func (h *Handler) DeviceStatus(c echo.Context) error {
	st, err := h.svc.DeviceStatus(c.Request().Context(), c.Param("deviceID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListReadings(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReadings(c.Request().Context(), c.Param("deviceID"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ---------------------------------------------------------------------------
// Plugin endpoints
// ---------------------------------------------------------------------------

func (h *Handler) ListPlugins(c echo.Context) error {
	ids := h.registry.IDs()
	metas := make([]plugin.Metadata, 0, len(ids))
	for _, id := range ids {
		if pl, ok := h.registry.Get(id); ok {
			metas = append(metas, pl.Metadata())
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": metas, "total": len(metas)})
}

func (h *Handler) GetPlugin(c echo.Context) error {
	pl, ok := h.registry.Get(c.Param("pluginID"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plugin not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"metadata": pl.Metadata(),
		"routes":   pl.Routes(),
	})
}

// stripReplacer is implemented by plugins with a replaceable consumable.
type stripReplacer interface {
	ReplaceStrips(deviceID string, count int) error
}

// mountPluginRoutes turns each plugin's declared route metadata into live
// endpoints under /plugins/:pluginID. Handler names resolve against the
// plugin contract; a name the gateway does not recognize is mounted as 501
// so the declared surface stays visible.
func (h *Handler) mountPluginRoutes(api *echo.Group) {
	for _, id := range h.registry.IDs() {
		pl, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		grp := api.Group("/plugins/" + id)
		for _, spec := range pl.Routes() {
			handler := h.pluginHandler(pl, spec.HandlerName)
			var mw []echo.MiddlewareFunc
			if spec.AuthRequired {
				mw = append(mw, auth.RequireRole(spec.Roles...))
			}
			grp.Add(spec.Method, spec.Path, handler, mw...)
		}
	}
}

func (h *Handler) pluginHandler(pl plugin.DevicePlugin, handlerName string) echo.HandlerFunc {
	switch handlerName {
	case "ListDevices":
		return func(c echo.Context) error {
			devices, err := pl.DiscoverDevices(c.Request().Context())
			if err != nil {
				return pluginHTTPError(err)
			}
			return c.JSON(http.StatusOK, map[string]any{"data": devices, "total": len(devices)})
		}
	case "ReadDevice":
		return func(c echo.Context) error {
			opts := &plugin.ReadOptions{Condition: c.QueryParam("condition")}
			data, err := pl.ReadData(c.Request().Context(), c.Param("deviceID"), opts)
			if err != nil {
				return pluginHTTPError(err)
			}
			return c.JSON(http.StatusOK, data)
		}
	case "DeviceHistory":
		return func(c echo.Context) error {
			opts, err := historyOptions(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			history, err := pl.ReadHistoricalData(c.Request().Context(), c.Param("deviceID"), opts)
			if err != nil {
				return pluginHTTPError(err)
			}
			return c.JSON(http.StatusOK, map[string]any{"data": history, "total": len(history)})
		}
	case "ReplaceStrips":
		return func(c echo.Context) error {
			replacer, ok := pl.(stripReplacer)
			if !ok {
				return echo.NewHTTPError(http.StatusNotImplemented, "plugin has no replaceable consumable")
			}
			count, _ := strconv.Atoi(c.QueryParam("count"))
			if err := replacer.ReplaceStrips(c.Param("deviceID"), count); err != nil {
				return pluginHTTPError(err)
			}
			return c.NoContent(http.StatusNoContent)
		}
	default:
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusNotImplemented, "handler not implemented: "+handlerName)
		}
	}
}

func historyOptions(c echo.Context) (plugin.HistoryOptions, error) {
	var opts plugin.HistoryOptions
	if v := c.QueryParam("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, err
		}
		opts.Start = t
	}
	if v := c.QueryParam("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, err
		}
		opts.End = t
	}
	if v := c.QueryParam("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	return opts, nil
}

// pluginHTTPError maps the plugin error taxonomy onto HTTP statuses.
func pluginHTTPError(err error) error {
	switch {
	case plugin.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case plugin.IsNotConnected(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case plugin.IsResourceExhausted(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case plugin.IsUnsupported(err):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case plugin.IsConnectionError(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
