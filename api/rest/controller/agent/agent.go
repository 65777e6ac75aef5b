package agent

import (
	"errors"
	"net/http"
	"strconv"

	svc "github.com/comfygate/comfygate/api/rest/service/agent"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	svc svc.Agent
}

func New(s svc.Agent) *Controller {
	return &Controller{svc: s}
}

// Register handles POST /v1/agents.
func (ctrl *Controller) Register(c echo.Context) error {
	req := &svc.RegisterRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if req.DeviceID == "" || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id and user_id are required")
	}

	resp, err := ctrl.svc.Register(c.Request().Context(), req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Poll handles GET /v1/agents/:device/events, the long-poll entry
// point. An empty list is a normal response, never an error.
func (ctrl *Controller) Poll(c echo.Context) error {
	deviceID := c.Param("device")
	queueDepth, _ := strconv.Atoi(c.QueryParam("queue_count"))

	events, err := ctrl.svc.Poll(c.Request().Context(), deviceID, queueDepth)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	if events == nil {
		events = []pool.AgentEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// State handles PUT /v1/agents/:device.
func (ctrl *Controller) State(c echo.Context) error {
	req := &svc.StateRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	req.DeviceID = c.Param("device")

	err := ctrl.svc.UpdateState(c.Request().Context(), req)
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Command handles POST /v1/agents/:device/commands, enqueueing an
// out-of-band event (install package, reboot, caption) for the device.
func (ctrl *Controller) Command(c echo.Context) error {
	event := pool.AgentEvent{}
	if err := c.Bind(&event); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if event.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event name is required")
	}

	err := ctrl.svc.Command(c.Request().Context(), c.Param("device"), event)
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusAccepted, nil)
}
