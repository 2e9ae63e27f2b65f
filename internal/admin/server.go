package admin

import (
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
)

// Server is the operational sidecar surface: health, queue statistics and
// Prometheus metrics. It binds separately from the task API so operators can
// firewall it independently.
type Server struct {
	db    *database.Database
	tasks *database.TaskRepo
}

func NewServer(db *database.Database, tasks *database.TaskRepo) *Server {
	return &Server{db: db, tasks: tasks}
}

func (s *Server) UseApi(router *fox.Engine) {
	router.GET("/healthz", s.Healthz)
	router.GET("/api/v1/queue/stats", s.QueueStats)
	router.GET("/metrics", s.Metrics)
}

// Healthz reports liveness of the process and its database connection.
func (s *Server) Healthz(c *fox.Context) {
	if err := s.db.Ping(); err != nil {
		log.Error().Err(err).Msg("health check database ping failed")
		c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// QueueStats returns the task count per status.
func (s *Server) QueueStats(c *fox.Context) {
	counts, err := s.tasks.CountByStatus(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("queue stats query failed")
		c.JSON(http.StatusInternalServerError, map[string]any{"error": "failed to count tasks"})
		return
	}
	stats := map[string]int{}
	for status, n := range counts {
		stats[string(status)] = n
	}
	c.JSON(http.StatusOK, map[string]any{"tasks": stats})
}

// Metrics serves the Prometheus registry.
func (s *Server) Metrics(c *fox.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}
