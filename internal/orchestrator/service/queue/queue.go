package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/metrics"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/playbook"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/reconcile"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/resolver"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/transport"
)

// TaskStore is the durable task surface the queue drives. Implemented by
// database.TaskRepo.
type TaskStore interface {
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	Claim(ctx context.Context, workerID string) (*model.Task, error)
	Start(ctx context.Context, id, workerID string) error
	Heartbeat(ctx context.Context, id, workerID string) error
	SetProgress(ctx context.Context, id string, p *model.TaskProgress) error
	SetPID(ctx context.Context, id string, pid int) error
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id, result string, code model.ErrorCode, message string) error
	SetCancelled(ctx context.Context, id string) (model.TaskStatus, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	StaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.Task, error)
}

// CatalogStore loads the instances and group a task targets.
type CatalogStore interface {
	InstancesByIDs(ctx context.Context, ids []int64) ([]*model.ApplicationInstance, error)
	Group(ctx context.Context, id int64) (*model.ApplicationGroup, error)
}

// EventStore records queue-level audit events (recovery, admission failures).
type EventStore interface {
	InsertEvent(ctx context.Context, e *model.Event) error
}

// Config carries the queue's operational options, already parsed.
type Config struct {
	Workers                  int
	DefaultDrainDelaySeconds int
	OrchestratorPlaybook     string
	TaskDeadline             time.Duration
	HeartbeatStaleAfter      time.Duration
	TransportMode            string

	// loop tuning; zero values pick the defaults below
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultDrainDelaySeconds <= 0 {
		c.DefaultDrainDelaySeconds = 300
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = time.Hour
	}
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	if c.TransportMode == "" {
		c.TransportMode = "local"
	}
}

// Deps wires the queue to its collaborators.
type Deps struct {
	Tasks      TaskStore
	Catalog    CatalogStore
	Events     EventStore
	Resolver   *resolver.Resolver
	Index      *playbook.Index
	Runner     transport.Runner
	Reconciler *reconcile.Reconciler
	Heartbeat  *Heartbeat // optional; nil degrades recovery to the DB check
}

// Queue owns the task lifecycle: durable intake, a bounded worker pool,
// cancellation, deadlines and the worker-disappeared recovery pass.
type Queue struct {
	cfg  Config
	deps Deps
	wg   sync.WaitGroup
}

func New(cfg Config, deps Deps) *Queue {
	cfg.fillDefaults()
	return &Queue{cfg: cfg, deps: deps}
}

// SubmitRequest is the admission input from the API layer.
type SubmitRequest struct {
	Type        model.TaskType
	Params      model.TaskParams
	InstanceIDs []int64
}

// Submit validates the request and durably enqueues a pending task,
// returning its id. Validation errors surface synchronously and create
// no task.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	switch req.Type {
	case model.TaskStart, model.TaskStop, model.TaskRestart, model.TaskUpdate:
	default:
		return "", model.NewError(model.CodeValidation, "unknown task type %q", req.Type)
	}
	if len(req.InstanceIDs) == 0 {
		return "", model.NewError(model.CodeValidation, "target must name at least one instance")
	}
	seen := map[int64]bool{}
	ids := make([]int64, 0, len(req.InstanceIDs))
	for _, id := range req.InstanceIDs {
		if id <= 0 {
			return "", model.NewError(model.CodeValidation, "invalid instance id %d", id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if req.Type == model.TaskUpdate && req.Params.DistrURL == "" {
		return "", model.NewError(model.CodeValidation, "distr_url is required for update tasks")
	}
	switch req.Params.Mode {
	case "":
		req.Params.Mode = model.ModeRestart
	case model.ModeRestart, model.ModeImmediate:
	default:
		return "", model.NewError(model.CodeValidation, "unknown mode %q", req.Params.Mode)
	}

	t := &model.Task{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Status:      model.TaskPending,
		Params:      req.Params,
		InstanceIDs: ids,
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.deps.Tasks.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	metrics.TasksSubmitted.WithLabelValues(string(req.Type)).Inc()
	log.Info().Str("task", t.ID).Str("type", string(t.Type)).Int("instances", len(ids)).
		Msg("task submitted")
	return t.ID, nil
}

// Cancel flips the cancellation flag; the owning worker honours it at its
// next suspension point. Returns the task's current status.
func (q *Queue) Cancel(ctx context.Context, id string) (model.TaskStatus, error) {
	status, err := q.deps.Tasks.SetCancelled(ctx, id)
	if err != nil {
		return "", err
	}
	log.Info().Str("task", id).Str("status", string(status)).Msg("task cancellation requested")
	return status, nil
}

// Start runs the recovery pass, then launches the worker pool and a periodic
// recovery ticker. It returns immediately; workers stop when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.RecoverStale(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		w := &worker{q: q, id: newWorkerID(i)}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			w.run(ctx)
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(q.cfg.HeartbeatStaleAfter / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				q.RecoverStale(ctx)
			}
		}
	}()

	log.Info().Int("workers", q.cfg.Workers).Msg("task queue started")
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

// RecoverStale fails processing tasks whose worker disappeared: DB heartbeat
// older than the stale cutoff and, when Redis is available, no live worker
// liveness key.
func (q *Queue) RecoverStale(ctx context.Context) {
	cutoff := time.Now().Add(-q.cfg.HeartbeatStaleAfter)
	stale, err := q.deps.Tasks.StaleProcessing(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("stale task scan failed")
		return
	}
	for _, t := range stale {
		if t.WorkerID != nil && q.deps.Heartbeat != nil && q.deps.Heartbeat.Alive(ctx, *t.WorkerID) {
			continue // worker is slow, not gone
		}
		if err := q.deps.Tasks.Fail(ctx, t.ID, "", model.CodeWorkerDisappeared, "worker disappeared"); err != nil {
			log.Error().Err(err).Str("task", t.ID).Msg("failed to recover stale task")
			continue
		}
		metrics.StaleTasksRecovered.Inc()
		serverID := int64(0)
		if t.ServerID != nil {
			serverID = *t.ServerID
		}
		if err := q.deps.Events.InsertEvent(ctx, &model.Event{
			ID:          uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			Type:        string(t.Type) + "_recovery",
			Status:      model.EventFailed,
			Description: "worker disappeared; task failed by recovery pass",
			ServerID:    serverID,
			TaskID:      &t.ID,
		}); err != nil {
			log.Error().Err(err).Str("task", t.ID).Msg("failed to record recovery event")
		}
		log.Warn().Str("task", t.ID).Msg("recovered stale task")
	}
}
