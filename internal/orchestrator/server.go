package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/config"
	"github.com/fleetops/appcontrol/internal/orchestrator/api"
	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/playbook"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/queue"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/reconcile"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/resolver"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/transport"
)

// resolverStore joins the two repos the placement resolver reads from.
type resolverStore struct {
	*database.InstanceRepo
	*database.MappingRepo
}

// Server assembles the orchestration subsystem: storage, playbook index,
// transport, reconciler and the task queue, plus the HTTP task surface.
type Server struct {
	config *config.Config

	db    *database.Database
	redis *redis.Client

	tasks     *database.TaskRepo
	instances *database.InstanceRepo
	mappings  *database.MappingRepo
	audit     *database.AuditRepo

	index *playbook.Index
	queue *queue.Queue
	api   *api.Api
}

func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	tasks := database.NewTaskRepo(db)
	instances := database.NewInstanceRepo(db)
	mappings := database.NewMappingRepo(db)
	audit := database.NewAuditRepo(db)

	idx := playbook.NewIndex(cfg.Orchestrator.PlaybookDir,
		parseDuration(cfg.Orchestrator.PlaybookScanInterval, 5*time.Minute))

	runner, err := transport.NewRunner(&cfg.Orchestrator.Transport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}

	staleAfter := parseDuration(cfg.Orchestrator.WorkerHeartbeatStaleAfter, 5*time.Minute)
	var hb *queue.Heartbeat
	if rdb != nil {
		hb = queue.NewHeartbeat(rdb, staleAfter)
	}

	q := queue.New(queue.Config{
		Workers:                  cfg.Orchestrator.WorkerPoolSize,
		DefaultDrainDelaySeconds: cfg.Orchestrator.DefaultDrainDelaySeconds,
		OrchestratorPlaybook:     cfg.Orchestrator.OrchestratorPlaybook,
		TaskDeadline:             parseDuration(cfg.Orchestrator.TaskDefaultDeadline, time.Hour),
		HeartbeatStaleAfter:      staleAfter,
		TransportMode:            cfg.Orchestrator.Transport.Mode,
	}, queue.Deps{
		Tasks:      tasks,
		Catalog:    instances,
		Events:     audit,
		Resolver:   resolver.New(resolverStore{instances, mappings}),
		Index:      idx,
		Runner:     runner,
		Reconciler: reconcile.New(reconcile.Deps{Audit: audit, Instances: instances, Mappings: mappings}),
		Heartbeat:  hb,
	})

	log.Info().
		Str("playbook_dir", cfg.Orchestrator.PlaybookDir).
		Str("transport", cfg.Orchestrator.Transport.Mode).
		Msg("orchestrator initialized")

	return &Server{
		config:    cfg,
		db:        db,
		redis:     rdb,
		tasks:     tasks,
		instances: instances,
		mappings:  mappings,
		audit:     audit,
		index:     idx,
		queue:     q,
	}, nil
}

// UseApi binds the task routes onto the given engine.
func (s *Server) UseApi(router *gin.Engine) error {
	var err error
	s.api, err = api.NewApi(s.tasks, s.audit, s.queue, router)
	if err != nil {
		return fmt.Errorf("failed to initialize API: %w", err)
	}
	return nil
}

// Start scans the playbook directory once, then launches the periodic
// rescan and the worker pool. Workers stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if err := s.index.Scan(); err != nil {
		log.Warn().Err(err).Msg("initial playbook scan failed")
	}
	go s.index.Start(ctx)
	s.queue.Start(ctx)
}

// Queue exposes the task queue for direct embedding.
func (s *Server) Queue() *queue.Queue { return s.queue }

// Close waits for in-flight workers and releases connections.
func (s *Server) Close() {
	s.queue.Wait()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close database")
	}
	log.Info().Msg("orchestrator shut down")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
