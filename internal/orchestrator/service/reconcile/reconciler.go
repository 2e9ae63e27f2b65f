package reconcile

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/executor"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/transport"
)

// AuditStore appends events and version history.
type AuditStore interface {
	InsertEvent(ctx context.Context, e *model.Event) error
	AppendVersionHistory(ctx context.Context, h *model.VersionHistory) error
}

// InstanceStore mutates observed instance state after an update.
type InstanceStore interface {
	UpdateDeployedVersion(ctx context.Context, id int64, version, distrPath, image, tag string) error
	MarkStateUnknown(ctx context.Context, ids []int64) error
}

// MappingStore deactivates stale auto-established mappings.
type MappingStore interface {
	DeactivateAutoMappings(ctx context.Context, instanceIDs []int64, reason string) error
}

// Deps collects what the reconciler writes to.
type Deps struct {
	Audit     AuditStore
	Instances InstanceStore
	Mappings  MappingStore
}

// Reconciler records the observed outcome of a finished playbook run:
// version history and instance fields for successes, audit events for
// everything, one rollup event per task. All writes are idempotent, so
// re-running reconciliation for a task changes nothing.
type Reconciler struct {
	deps Deps
}

func New(deps Deps) *Reconciler {
	return &Reconciler{deps: deps}
}

// Reconcile processes the transport result for one task (or sub-task) over
// its snapshot of targets. res may be nil when the transport never ran.
// Failed instances keep their pre-update snapshot untouched; the next agent
// poll overwrites them.
func (r *Reconciler) Reconcile(ctx context.Context, task *model.Task, targets []executor.Target, res *transport.Result, runErr error) (*model.TaskResult, error) {
	summary := &model.TaskResult{}

	if res == nil || !res.MarkersSeen {
		// the orchestrator never reported: every target failed, one rollup
		reason := "transport produced no result section"
		if runErr != nil {
			reason = runErr.Error()
		}
		for _, t := range targets {
			summary.Failed++
			summary.Instances = append(summary.Instances, model.InstanceResult{
				Composite: simpleComposite(t),
				Status:    model.ResultFailed,
				Message:   reason,
			})
		}
		if err := r.rollupEvent(ctx, task, targets, model.EventFailed, reason); err != nil {
			return summary, err
		}
		return summary, nil
	}

	byKey := make(map[string]executor.Target, len(targets))
	for _, t := range targets {
		byKey[simpleComposite(t)] = t
	}

	reported := map[int64]bool{}
	var succeededIDs []int64
	for _, ir := range res.PerInstance {
		t, ok := byKey[compositeKey(ir.Composite)]
		if !ok {
			log.Warn().Str("composite", ir.Composite).Str("task", task.ID).
				Msg("transport reported unknown composite")
			continue
		}
		reported[t.Instance.ID] = true
		summary.Instances = append(summary.Instances, ir)

		switch ir.Status {
		case model.ResultSuccess:
			summary.Succeeded++
			if err := r.recordSuccess(ctx, task, t); err != nil {
				return summary, err
			}
			succeededIDs = append(succeededIDs, t.Instance.ID)
		case model.ResultSkipped:
			summary.Skipped++
			if err := r.instanceEvent(ctx, task, t, model.EventFailed,
				"skipped: "+ir.Message); err != nil {
				return summary, err
			}
		default:
			summary.Failed++
			if err := r.instanceEvent(ctx, task, t, model.EventFailed, ir.Message); err != nil {
				return summary, err
			}
		}
	}

	// targets the orchestrator never mentioned count as failed
	for _, t := range targets {
		if reported[t.Instance.ID] {
			continue
		}
		summary.Failed++
		summary.Instances = append(summary.Instances, model.InstanceResult{
			Composite: simpleComposite(t),
			Status:    model.ResultFailed,
			Message:   "no result reported",
		})
		if err := r.instanceEvent(ctx, task, t, model.EventFailed, "no result reported"); err != nil {
			return summary, err
		}
	}

	if len(succeededIDs) > 0 {
		// observed state is unknown until the next agent poll confirms it
		if err := r.deps.Instances.MarkStateUnknown(ctx, succeededIDs); err != nil {
			return summary, err
		}
	}

	// active mappings whose haproxy chain no longer resolves are stale;
	// operator-pinned mappings survive (the store skips is_manual rows)
	var staleIDs []int64
	for _, t := range targets {
		if t.Resolution != nil && t.Resolution.StaleMapping {
			staleIDs = append(staleIDs, t.Instance.ID)
		}
	}
	if len(staleIDs) > 0 {
		if err := r.deps.Mappings.DeactivateAutoMappings(ctx, staleIDs,
			"haproxy chain no longer resolves"); err != nil {
			return summary, err
		}
	}

	rollupStatus := model.EventSuccess
	desc := fmt.Sprintf("%d succeeded", summary.Succeeded)
	if summary.Failed > 0 || summary.Skipped > 0 {
		rollupStatus = model.EventFailed
		desc = fmt.Sprintf("%d succeeded, %d failed, %d skipped",
			summary.Succeeded, summary.Failed, summary.Skipped)
	}
	if err := r.rollupEvent(ctx, task, targets, rollupStatus, desc); err != nil {
		return summary, err
	}

	return summary, nil
}

func (r *Reconciler) recordSuccess(ctx context.Context, task *model.Task, t executor.Target) error {
	inst := t.Instance
	newVersion := DeriveVersion(task.Params.DistrURL)
	newDistrPath := task.Params.DistrURL
	if newDistrPath == "" {
		newDistrPath = inst.DistrPath
	}
	newTag := inst.Tag
	if inst.Image != "" && newVersion != "" {
		newTag = newVersion
	}

	h := &model.VersionHistory{
		InstanceID:   inst.ID,
		TaskID:       task.ID,
		OldVersion:   inst.Version,
		NewVersion:   newVersion,
		OldDistrPath: inst.DistrPath,
		NewDistrPath: newDistrPath,
		OldImage:     inst.Image,
		NewImage:     inst.Image,
		OldTag:       inst.Tag,
		NewTag:       newTag,
		Source:       model.SourceSystem,
		CreatedAt:    time.Now().UTC(),
		Notes:        fmt.Sprintf("%s task", task.Type),
	}
	if err := r.deps.Audit.AppendVersionHistory(ctx, h); err != nil {
		return err
	}
	if err := r.deps.Instances.UpdateDeployedVersion(ctx, inst.ID,
		newVersion, newDistrPath, inst.Image, newTag); err != nil {
		return err
	}
	return r.instanceEvent(ctx, task, t, model.EventSuccess,
		fmt.Sprintf("updated %s -> %s", orDash(inst.Version), orDash(newVersion)))
}

func (r *Reconciler) instanceEvent(ctx context.Context, task *model.Task, t executor.Target, status model.EventStatus, desc string) error {
	instanceID := t.Instance.ID
	return r.deps.Audit.InsertEvent(ctx, &model.Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        string(task.Type),
		Status:      status,
		Description: desc,
		ServerID:    t.Instance.ServerID,
		InstanceID:  &instanceID,
		TaskID:      &task.ID,
	})
}

// rollupEvent records the one task-level event against the task's primary server.
func (r *Reconciler) rollupEvent(ctx context.Context, task *model.Task, targets []executor.Target, status model.EventStatus, desc string) error {
	serverID := int64(0)
	if task.ServerID != nil {
		serverID = *task.ServerID
	} else if len(targets) > 0 {
		serverID = targets[0].Instance.ServerID
	}
	return r.deps.Audit.InsertEvent(ctx, &model.Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        string(task.Type) + "_rollup",
		Status:      status,
		Description: desc,
		ServerID:    serverID,
		TaskID:      &task.ID,
	})
}

// simpleComposite is the variant-independent "{short_server}::{instance}" key.
func simpleComposite(t executor.Target) string {
	return t.Resolution.Server.ShortName() + "::" + t.Instance.Name
}

// compositeKey normalizes a reported composite to its first two segments, so
// haproxy-form composites match their target.
func compositeKey(composite string) string {
	parts := strings.SplitN(composite, "::", 3)
	if len(parts) >= 2 {
		return parts[0] + "::" + parts[1]
	}
	return composite
}

// DeriveVersion extracts a version from an artifact URL: the basename without
// extension, minus the application name prefix when present
// ("http://nexus/billing-2.0.zip" -> "2.0").
func DeriveVersion(distrURL string) string {
	if distrURL == "" {
		return ""
	}
	base := path.Base(distrURL)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSuffix(base, path.Ext(base))

	if i := strings.LastIndexByte(base, '-'); i >= 0 && i+1 < len(base) {
		tail := base[i+1:]
		if tail[0] >= '0' && tail[0] <= '9' {
			return tail
		}
	}
	return base
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
