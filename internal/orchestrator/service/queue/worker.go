package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/metrics"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/executor"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/transport"
)

type worker struct {
	q  *Queue
	id string
}

func newWorkerID(n int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, n, uuid.NewString()[:8])
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t, err := w.q.deps.Tasks.Claim(ctx, w.id)
		if err != nil {
			log.Error().Err(err).Str("worker", w.id).Msg("claim failed")
			sleepCtx(ctx, w.q.cfg.PollInterval)
			continue
		}
		if t == nil {
			sleepCtx(ctx, w.q.cfg.PollInterval)
			continue
		}
		w.process(ctx, t)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process drives one claimed task to a terminal state. Every exit path
// records a result; a crash instead leaves the task to the recovery pass.
func (w *worker) process(ctx context.Context, t *model.Task) {
	logger := log.With().Str("worker", w.id).Str("task", t.ID).Str("type", string(t.Type)).Logger()
	logger.Info().Int("instances", len(t.InstanceIDs)).Msg("task claimed")

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()
	timer := prometheus.NewTimer(metrics.TaskDuration.WithLabelValues(string(t.Type)))
	defer timer.ObserveDuration()

	runCtx, cancel := context.WithTimeout(ctx, w.q.cfg.TaskDeadline)
	defer cancel()

	stopHB := w.startHeartbeat(runCtx, t.ID)
	defer stopHB()

	tc, mappingFailures, err := w.loadContext(runCtx, t)
	if err != nil {
		w.fail(ctx, t, nil, err)
		return
	}
	if cancelled := w.checkCancelled(runCtx, t.ID); cancelled {
		w.fail(ctx, t, nil, model.NewError(model.CodeCancelled, "cancelled before execution"))
		return
	}

	var summary *model.TaskResult
	if t.ParentID == nil && executor.SpansBackends(tc.Targets) {
		summary, err = w.runSplit(runCtx, t, tc)
	} else {
		summary, err = w.runBatch(runCtx, t, tc)
	}
	if summary == nil {
		summary = &model.TaskResult{}
	}
	appendMappingFailures(summary, mappingFailures)
	if err == nil && len(mappingFailures) > 0 {
		err = model.NewError(model.CodeMapping,
			"%d of %d instances had no usable placement", len(mappingFailures), len(t.InstanceIDs))
	}

	w.finish(ctx, t, summary, err)
}

// startHeartbeat bumps the task's DB heartbeat and the worker's Redis
// liveness key until the returned stop func is called.
func (w *worker) startHeartbeat(ctx context.Context, taskID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.q.cfg.HeartbeatInterval)
		defer ticker.Stop()
		w.beat(hbCtx, taskID)
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				w.beat(hbCtx, taskID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *worker) beat(ctx context.Context, taskID string) {
	if err := w.q.deps.Tasks.Heartbeat(ctx, taskID, w.id); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("task", taskID).Msg("heartbeat write failed")
	}
	if w.q.deps.Heartbeat != nil {
		w.q.deps.Heartbeat.Beat(ctx, w.id)
	}
}

// loadContext snapshots the instances, group and placement for a task.
// Instances whose server cannot be resolved are excluded from the batch and
// returned separately so they end up in the result as failed.
func (w *worker) loadContext(ctx context.Context, t *model.Task) (*executor.TaskContext, []model.InstanceResult, error) {
	w.setProgress(ctx, t.ID, "resolving", 0, 0, "")

	instances, err := w.q.deps.Catalog.InstancesByIDs(ctx, t.InstanceIDs)
	if err != nil {
		return nil, nil, model.WrapError(model.CodeMapping, err, "failed to load instances")
	}
	if len(instances) == 0 {
		return nil, nil, model.NewError(model.CodeValidation, "no live instances match the target")
	}

	var group *model.ApplicationGroup
	groupID := int64(0)
	uniform := true
	for _, in := range instances {
		if in.GroupID == nil {
			uniform = false
			break
		}
		if groupID == 0 {
			groupID = *in.GroupID
		} else if groupID != *in.GroupID {
			uniform = false
			break
		}
	}
	if uniform && groupID != 0 {
		group, err = w.q.deps.Catalog.Group(ctx, groupID)
		if err != nil {
			return nil, nil, model.WrapError(model.CodeMapping, err, "failed to load group %d", groupID)
		}
	}

	resolutions, err := w.q.deps.Resolver.Resolve(ctx, instances)
	if err != nil {
		return nil, nil, model.WrapError(model.CodeMapping, err, "placement resolution failed")
	}

	targets := make([]executor.Target, 0, len(instances))
	var failures []model.InstanceResult
	for _, in := range instances {
		res := resolutions[in.ID]
		if res == nil || res.Err != nil {
			msg := "no placement resolution"
			if res != nil && res.Err != nil {
				msg = res.Err.Error()
			}
			failures = append(failures, model.InstanceResult{
				Composite: in.Name,
				Status:    model.ResultFailed,
				Message:   msg,
			})
			continue
		}
		targets = append(targets, executor.Target{Instance: in, Resolution: res})
	}
	if len(targets) == 0 {
		return nil, failures, model.NewError(model.CodeMapping, "no instance in the batch could be resolved")
	}

	return &executor.TaskContext{
		Task:                     t,
		Group:                    group,
		Targets:                  targets,
		DefaultDrainDelaySeconds: w.q.cfg.DefaultDrainDelaySeconds,
		OrchestratorPlaybook:     w.q.cfg.OrchestratorPlaybook,
		Index:                    w.q.deps.Index,
	}, failures, nil
}

// runBatch prepares and executes one playbook run for a single-backend batch
// and reconciles its outcome. The returned error, if any, carries the code
// for the task's terminal state.
func (w *worker) runBatch(ctx context.Context, t *model.Task, tc *executor.TaskContext) (*model.TaskResult, error) {
	ex := executor.New(tc)
	prep, err := ex.Prepare(tc)
	if err != nil {
		// nothing ran, so reconcile only records the failure events
		summary, _ := w.q.deps.Reconciler.Reconcile(ctx, t, tc.Targets, nil, err)
		return summary, err
	}

	if w.checkCancelled(ctx, rootID(t)) {
		return nil, model.NewError(model.CodeCancelled, "cancelled before execution")
	}

	w.setProgress(ctx, t.ID, "running", 0, len(tc.Targets), ex.Name())

	// watch the cancellation flag while the playbook runs
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	playCtx, cancelPlay := context.WithCancel(ctx)
	defer cancelPlay()
	go func() {
		ticker := time.NewTicker(w.q.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if w.checkCancelled(watchCtx, rootID(t)) {
					cancelPlay()
					return
				}
			}
		}
	}()

	res, runErr := w.q.deps.Runner.Run(playCtx, transport.RunSpec{
		PlaybookPath: prep.PlaybookPath,
		Params:       prep.Params,
		OnStart: func(pid int) {
			if err := w.q.deps.Tasks.SetPID(context.WithoutCancel(ctx), t.ID, pid); err != nil {
				log.Warn().Err(err).Str("task", t.ID).Msg("failed to record pid")
			}
		},
	})
	metrics.PlaybookRuns.WithLabelValues(w.q.cfg.TransportMode).Inc()

	// reconcile even on failure; partial marker output still counts
	reconCtx := context.WithoutCancel(ctx)
	summary, recErr := w.q.deps.Reconciler.Reconcile(reconCtx, t, tc.Targets, res, runErr)
	if recErr != nil {
		log.Error().Err(recErr).Str("task", t.ID).Msg("reconciliation incomplete")
	}

	switch {
	case runErr != nil:
		return summary, runErr
	case summary.Failed > 0:
		return summary, model.NewError(model.CodeInstanceUpdateFailed,
			"%d of %d instances failed", summary.Failed, len(tc.Targets))
	default:
		return summary, nil
	}
}

// runSplit executes a multi-backend batch as sequential per-backend
// sub-tasks, each with its own durable row, and aggregates their outcomes.
func (w *worker) runSplit(ctx context.Context, t *model.Task, tc *executor.TaskContext) (*model.TaskResult, error) {
	batches := executor.SplitByBackend(tc.Targets)
	subs := make([]*model.Task, 0, len(batches))
	for _, batch := range batches {
		sub := &model.Task{
			ID:          uuid.NewString(),
			Type:        t.Type,
			Status:      model.TaskPending,
			Params:      t.Params,
			ParentID:    &t.ID,
			InstanceIDs: instanceIDs(batch),
			CreatedAt:   time.Now().UTC(),
		}
		if s := batch[0].Resolution.Server; s != nil {
			sub.ServerID = &s.ID
		}
		if err := w.q.deps.Tasks.Create(ctx, sub); err != nil {
			return nil, model.WrapError(model.CodeValidation, err, "failed to create sub-task")
		}
		subs = append(subs, sub)
	}

	total := &model.TaskResult{}
	var firstErr error
	for i, sub := range subs {
		if w.checkCancelled(ctx, t.ID) {
			cancelErr := model.NewError(model.CodeCancelled, "cancelled between sub-tasks")
			for _, rest := range subs[i:] {
				w.failSub(ctx, rest, cancelErr)
				total.SubTasks = append(total.SubTasks, rest.ID)
			}
			if firstErr == nil {
				firstErr = cancelErr
			}
			break
		}

		if err := w.q.deps.Tasks.Start(ctx, sub.ID, w.id); err != nil {
			log.Error().Err(err).Str("task", sub.ID).Msg("failed to start sub-task")
			w.failSub(ctx, sub, model.WrapError(model.CodeValidation, err, "failed to start"))
			total.SubTasks = append(total.SubTasks, sub.ID)
			continue
		}

		subTC := &executor.TaskContext{
			Task:                     sub,
			Group:                    tc.Group,
			Targets:                  batches[i],
			DefaultDrainDelaySeconds: tc.DefaultDrainDelaySeconds,
			OrchestratorPlaybook:     tc.OrchestratorPlaybook,
			Index:                    tc.Index,
		}
		summary, err := w.runBatch(ctx, sub, subTC)
		if summary == nil {
			summary = &model.TaskResult{}
		}
		w.terminal(ctx, sub, summary, err)

		total.Succeeded += summary.Succeeded
		total.Failed += summary.Failed
		total.Skipped += summary.Skipped
		total.Instances = append(total.Instances, summary.Instances...)
		total.SubTasks = append(total.SubTasks, sub.ID)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		w.setProgress(ctx, t.ID, "running", i+1, len(subs), "")
	}

	return total, firstErr
}

func (w *worker) failSub(ctx context.Context, sub *model.Task, err error) {
	code := model.CodeOf(err)
	if dbErr := w.q.deps.Tasks.Fail(context.WithoutCancel(ctx), sub.ID, "", code, err.Error()); dbErr != nil {
		log.Error().Err(dbErr).Str("task", sub.ID).Msg("failed to fail sub-task")
	}
}

// finish moves the parent task to its terminal state and emits the terminal
// metrics. It never uses the run context so a deadline hit still records.
func (w *worker) finish(ctx context.Context, t *model.Task, summary *model.TaskResult, err error) {
	w.terminal(context.WithoutCancel(ctx), t, summary, err)
	if err != nil {
		metrics.TasksFailed.WithLabelValues(string(t.Type), string(model.CodeOf(err))).Inc()
	} else {
		metrics.TasksCompleted.WithLabelValues(string(t.Type)).Inc()
	}
}

func (w *worker) terminal(ctx context.Context, t *model.Task, summary *model.TaskResult, err error) {
	result := ""
	if summary != nil {
		if b, mErr := json.Marshal(summary); mErr == nil {
			result = string(b)
		}
	}
	if err == nil {
		if dbErr := w.q.deps.Tasks.Complete(ctx, t.ID, result); dbErr != nil {
			log.Error().Err(dbErr).Str("task", t.ID).Msg("failed to complete task")
		} else {
			log.Info().Str("task", t.ID).Msg("task completed")
		}
		return
	}
	// hitting the task deadline cancels the run, so it reports as cancelled
	code := model.CodeOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		code = model.CodeCancelled
	}
	if dbErr := w.q.deps.Tasks.Fail(ctx, t.ID, result, code, err.Error()); dbErr != nil {
		log.Error().Err(dbErr).Str("task", t.ID).Msg("failed to fail task")
	} else {
		log.Warn().Str("task", t.ID).Str("code", string(code)).Err(err).Msg("task failed")
	}
}

func (w *worker) fail(ctx context.Context, t *model.Task, summary *model.TaskResult, err error) {
	w.finish(ctx, t, summary, err)
}

// checkCancelled reads the cancellation flag; unreadable counts as not
// cancelled so a flaky DB never aborts a run spuriously.
func (w *worker) checkCancelled(ctx context.Context, id string) bool {
	cancelled, err := w.q.deps.Tasks.IsCancelled(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("task", id).Msg("cancellation check failed")
		}
		return false
	}
	return cancelled
}

func (w *worker) setProgress(ctx context.Context, id, stage string, done, total int, msg string) {
	p := &model.TaskProgress{Stage: stage, Done: done, Total: total, Message: msg, UpdatedAt: time.Now().UTC()}
	if err := w.q.deps.Tasks.SetProgress(ctx, id, p); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("task", id).Msg("progress write failed")
	}
}

// rootID is the id whose cancellation flag governs a run: the parent's for
// sub-tasks, the task's own otherwise.
func rootID(t *model.Task) string {
	if t.ParentID != nil {
		return *t.ParentID
	}
	return t.ID
}

func instanceIDs(targets []executor.Target) []int64 {
	ids := make([]int64, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.Instance.ID)
	}
	return ids
}

func appendMappingFailures(summary *model.TaskResult, failures []model.InstanceResult) {
	for _, f := range failures {
		summary.Failed++
		summary.Instances = append(summary.Instances, f)
	}
}
