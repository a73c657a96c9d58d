package http

import (
	"errors"
	"net/http"

	"task-orchestrator/internal/dto"
	"task-orchestrator/internal/service"

	"github.com/labstack/echo/v4"
)

func (h *HttpAPIHandler) SetupTasks(base *echo.Group) {
	v1 := base.Group("/v1/tasks")
	{
		v1.POST("", h.createTask)
		v1.GET("", h.listTasks)
		v1.GET("/:id", h.getTask)
		v1.POST("/:id/cancel", h.cancelTask)
	}
}

func (h *HttpAPIHandler) createTask(c echo.Context) error {
	ctx := c.Request().Context()

	req := new(dto.CreateTaskRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, dto.NewBadRequestResponse("invalid request body"))
	}
	if err := h.validator.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, dto.NewBadRequestResponse(err.Error()))
	}

	taskID, err := h.service.Registry.Submit(ctx, req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			dto.NewBaseResponse(http.StatusInternalServerError, "failed to submit task", nil))
	}

	return c.JSON(http.StatusOK, dto.NewSuccessResponse("Task started", dto.CreateTaskResponse{
		TaskID: taskID,
		Status: "started",
	}))
}

func (h *HttpAPIHandler) listTasks(c echo.Context) error {
	ctx := c.Request().Context()

	tasks, err := h.service.Registry.ListTasks(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			dto.NewBaseResponse(http.StatusInternalServerError, "failed to list tasks", nil))
	}
	return c.JSON(http.StatusOK, dto.NewSuccessResponse("OK", tasks))
}

func (h *HttpAPIHandler) getTask(c echo.Context) error {
	ctx := c.Request().Context()

	detail, err := h.service.Registry.GetTask(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, dto.NewNotFoundResponse("task not found"))
		}
		return c.JSON(http.StatusInternalServerError,
			dto.NewBaseResponse(http.StatusInternalServerError, "failed to get task", nil))
	}
	return c.JSON(http.StatusOK, dto.NewSuccessResponse("OK", detail))
}

func (h *HttpAPIHandler) cancelTask(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.service.Registry.CancelTask(ctx, c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, dto.NewSuccessResponse("Cancellation requested", nil))
	case errors.Is(err, service.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, dto.NewNotFoundResponse("task not found"))
	case errors.Is(err, service.ErrTaskFinalized):
		return c.JSON(http.StatusConflict,
			dto.NewBaseResponse(http.StatusConflict, "task already finished", nil))
	default:
		return c.JSON(http.StatusInternalServerError,
			dto.NewBaseResponse(http.StatusInternalServerError, "failed to cancel task", nil))
	}
}
