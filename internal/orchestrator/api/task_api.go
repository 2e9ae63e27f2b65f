package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/queue"
)

type createTaskRequest struct {
	Type        string            `json:"type" binding:"required"`
	InstanceIDs []int64           `json:"instanceIds" binding:"required"`
	DistrURL    string            `json:"distrUrl"`
	Mode        string            `json:"mode"`
	Playbook    string            `json:"playbook"`
	DrainWait   *int              `json:"drainWaitTime"`
	Extra       map[string]string `json:"extra"`
}

type createTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func errorBody(code model.ErrorCode, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": string(code), "message": message}}
}

// CreateTask admits a new task. Validation failures return 400 with a stable
// error code and create nothing; an accepted task is durably pending.
func (api *Api) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, err.Error()))
		return
	}

	params := model.TaskParams{
		DistrURL:     req.DistrURL,
		Mode:         model.UpdateMode(req.Mode),
		PlaybookPath: req.Playbook,
		Extra:        req.Extra,
	}
	if req.DrainWait != nil {
		params.DrainWaitTime = *req.DrainWait
	}

	id, err := api.queue.Submit(c.Request.Context(), queue.SubmitRequest{
		Type:        model.TaskType(req.Type),
		Params:      params,
		InstanceIDs: req.InstanceIDs,
	})
	if err != nil {
		var taskErr *model.Error
		if errors.As(err, &taskErr) {
			c.JSON(http.StatusBadRequest, errorBody(taskErr.Code, taskErr.Message))
			return
		}
		log.Error().Err(err).Msg("task admission failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "failed to enqueue task"))
		return
	}
	c.JSON(http.StatusAccepted, createTaskResponse{ID: id, Status: string(model.TaskPending)})
}

// GetTask returns one task with its progress and result.
func (api *Api) GetTask(c *gin.Context) {
	id := c.Param("taskID")
	t, err := api.tasks.Get(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("task", id).Msg("task lookup failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "failed to load task"))
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, errorBody("not_found", "task not found"))
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListTasks returns tasks newest first, filtered by status, type and a
// created-at window.
func (api *Api) ListTasks(c *gin.Context) {
	f := database.TaskFilter{
		Status: model.TaskStatus(c.Query("status")),
		Type:   model.TaskType(c.Query("type")),
		Limit:  50,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "limit must be 1..500"))
			return
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "offset must be >= 0"))
			return
		}
		f.Offset = n
	}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "from must be RFC3339"))
			return
		}
		f.From = &ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "to must be RFC3339"))
			return
		}
		f.To = &ts
	}

	tasks, err := api.tasks.List(c.Request.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("task list failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "failed to list tasks"))
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	c.JSON(http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// GetTaskEvents returns the audit trail recorded for one task.
func (api *Api) GetTaskEvents(c *gin.Context) {
	id := c.Param("taskID")
	events, err := api.events.EventsByTask(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("task", id).Msg("event lookup failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "failed to load events"))
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	c.JSON(http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// CancelTask requests cooperative cancellation. A terminal task keeps its
// state; the response reports the status observed when the flag was set.
func (api *Api) CancelTask(c *gin.Context) {
	id := c.Param("taskID")
	status, err := api.queue.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, errorBody("not_found", "task not found"))
			return
		}
		log.Error().Err(err).Str("task", id).Msg("cancel failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "failed to cancel task"))
		return
	}
	c.JSON(http.StatusOK, map[string]any{"id": id, "status": string(status), "cancelled": true})
}
