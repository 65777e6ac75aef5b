package task

import (
	"errors"
	"net/http"
	"time"

	svc "github.com/comfygate/comfygate/api/rest/service/task"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	svc svc.Task
}

func New(s svc.Task) *Controller {
	return &Controller{svc: s}
}

// Post handles POST /v1/tasks (auxiliary task submission).
func (ctrl *Controller) Post(c echo.Context) error {
	req := &svc.SubmitRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	if req.UserID == "" || req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and model are required")
	}
	switch req.Type {
	case models.AiTaskTypeGenerate, models.AiTaskTypeChat, models.AiTaskTypeCaption:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown task type")
	}

	task, err := ctrl.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// Get handles GET /v1/tasks/:id. A timeout query parameter turns the
// read into a long poll for the task's response.
func (ctrl *Controller) Get(c echo.Context) error {
	var (
		task *models.AiTask
		err  error
	)
	if timeout, perr := time.ParseDuration(c.QueryParam("timeout")); perr == nil {
		task, err = ctrl.svc.WaitForResult(c.Request().Context(), &svc.WaitRequest{
			ID:      c.Param("id"),
			Timeout: timeout,
		})
	} else {
		task, err = ctrl.svc.Get(c.Request().Context(), c.Param("id"))
	}

	if errors.Is(err, svc.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.JSON(http.StatusOK, task)
}

// Result handles PUT /v1/tasks/:id/result.
func (ctrl *Controller) Result(c echo.Context) error {
	req := &svc.ResultRequest{}
	if err := c.Bind(req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}
	req.ID = c.Param("id")
	if req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}
	if !req.Started && req.Response == nil && req.Error == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "started, response or error is required")
	}

	err := ctrl.svc.Result(c.Request().Context(), req)
	switch {
	case errors.Is(err, svc.ErrNotFound):
		return echo.ErrNotFound
	case errors.Is(err, svc.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "task is not owned by this device")
	case err != nil:
		return echo.ErrInternalServerError.SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
