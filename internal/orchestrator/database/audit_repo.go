package database

import (
	"context"
	"fmt"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// AuditRepo appends events and version history. Task-scoped writes are
// idempotent: re-running reconciliation for the same task inserts nothing.
type AuditRepo struct {
	db *Database
}

func NewAuditRepo(db *Database) *AuditRepo {
	return &AuditRepo{db: db}
}

// InsertEvent appends an audit event. Events carrying a task id are deduped
// on (task, instance, type) so reconciliation stays idempotent.
func (r *AuditRepo) InsertEvent(ctx context.Context, e *model.Event) error {
	const q = `
	INSERT INTO events (id, timestamp, event_type, status, description, server_id, instance_id, task_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (task_id, COALESCE(instance_id, 0), event_type) WHERE task_id IS NOT NULL
	DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Timestamp, e.Type, e.Status,
		e.Description, e.ServerID, e.InstanceID, e.TaskID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// EventsByTask returns the audit trail of one task.
func (r *AuditRepo) EventsByTask(ctx context.Context, taskID string) ([]*model.Event, error) {
	const q = `SELECT id, timestamp, event_type, status, description, server_id, instance_id, task_id
	FROM events WHERE task_id = $1 ORDER BY timestamp`
	rows, err := r.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Status, &e.Description,
			&e.ServerID, &e.InstanceID, &e.TaskID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// AppendVersionHistory records one version change. The (task, instance)
// unique constraint makes replays no-ops.
func (r *AuditRepo) AppendVersionHistory(ctx context.Context, h *model.VersionHistory) error {
	const q = `
	INSERT INTO version_histories (instance_id, task_id, old_version, new_version,
		old_distr_path, new_distr_path, old_image, new_image, old_tag, new_tag,
		source, created_at, notes)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (task_id, instance_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, h.InstanceID, h.TaskID, h.OldVersion, h.NewVersion,
		h.OldDistrPath, h.NewDistrPath, h.OldImage, h.NewImage, h.OldTag, h.NewTag,
		h.Source, h.CreatedAt, h.Notes)
	if err != nil {
		return fmt.Errorf("failed to append version history: %w", err)
	}
	return nil
}

// VersionHistoryByInstance returns the change log of one instance, newest first.
func (r *AuditRepo) VersionHistoryByInstance(ctx context.Context, instanceID int64) ([]*model.VersionHistory, error) {
	const q = `SELECT id, instance_id, task_id, old_version, new_version,
		old_distr_path, new_distr_path, old_image, new_image, old_tag, new_tag,
		source, created_at, notes
	FROM version_histories WHERE instance_id = $1 ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version history: %w", err)
	}
	defer rows.Close()

	var histories []*model.VersionHistory
	for rows.Next() {
		h := new(model.VersionHistory)
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.TaskID, &h.OldVersion, &h.NewVersion,
			&h.OldDistrPath, &h.NewDistrPath, &h.OldImage, &h.NewImage, &h.OldTag, &h.NewTag,
			&h.Source, &h.CreatedAt, &h.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan version history: %w", err)
		}
		histories = append(histories, h)
	}
	return histories, rows.Err()
}
