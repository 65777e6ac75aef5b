package generation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	svc "github.com/comfygate/comfygate/api/rest/service/generation"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	svc svc.Generation
}

func New(s svc.Generation) *Controller {
	return &Controller{svc: s}
}

// Post handles POST /v1/generations (job submission).
func (ctrl *Controller) Post(c echo.Context) error {
	req := &svc.SubmitRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if req.UserID == "" || req.WorkflowRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and workflow_ref are required")
	}

	g, err := ctrl.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusCreated, g)
}

// Get handles GET /v1/generations/:id.
func (ctrl *Controller) Get(c echo.Context) error {
	g, err := ctrl.svc.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, g)
}

// List handles GET /v1/generations.
func (ctrl *Controller) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	out, err := ctrl.svc.List(c.Request().Context(), &svc.ListRequest{
		UserID: c.QueryParam("user_id"),
		Status: c.QueryParam("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, out)
}

// Prompt handles GET /v1/generations/:id/prompt, the agent-side fetch
// of the executable prompt.
func (ctrl *Controller) Prompt(c echo.Context) error {
	prompt, err := ctrl.svc.Prompt(c.Request().Context(), c.Param("id"))
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, prompt)
}

// Result handles PUT /v1/generations/:id/result.
func (ctrl *Controller) Result(c echo.Context) error {
	req := &svc.ResultRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	req.ID = c.Param("id")
	if req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}

	err := ctrl.svc.Result(c.Request().Context(), req)
	switch {
	case errors.Is(err, svc.ErrNotFound):
		return echo.ErrNotFound
	case errors.Is(err, svc.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "generation is not owned by this device")
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Requeue handles POST /v1/generations/:id/requeue.
func (ctrl *Controller) Requeue(c echo.Context) error {
	g, err := ctrl.svc.Requeue(c.Request().Context(), c.Param("id"))
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, g)
}

// Updates handles POST /v1/generations/updates, the client long-poll
// awaiting completion of its own jobs.
func (ctrl *Controller) Updates(c echo.Context) error {
	req := &svc.WaitRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids are required")
	}
	if timeout, err := time.ParseDuration(c.QueryParam("timeout")); err == nil {
		req.Timeout = timeout
	}

	out, err := ctrl.svc.WaitForUpdates(c.Request().Context(), req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, out)
}

// Delete handles DELETE /v1/generations/:id. The hard query parameter
// switches from soft delete to an audited hard delete.
func (ctrl *Controller) Delete(c echo.Context) error {
	hard, _ := strconv.ParseBool(c.QueryParam("hard"))

	err := ctrl.svc.Delete(c.Request().Context(), c.Param("id"), c.QueryParam("actor"), hard)
	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
