package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/queue"
)

// Api exposes the task surface over HTTP.
type Api struct {
	tasks  *database.TaskRepo
	events *database.AuditRepo
	queue  *queue.Queue
	router *gin.Engine
}

func NewApi(tasks *database.TaskRepo, events *database.AuditRepo, q *queue.Queue, router *gin.Engine) (*Api, error) {
	api := &Api{
		tasks:  tasks,
		events: events,
		queue:  q,
		router: router,
	}
	api.setupRouters(router)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.POST("/tasks", api.CreateTask)
	v1.GET("/tasks", api.ListTasks)
	v1.GET("/tasks/:taskID", api.GetTask)
	v1.GET("/tasks/:taskID/events", api.GetTaskEvents)
	v1.POST("/tasks/:taskID/cancel", api.CancelTask)
}
