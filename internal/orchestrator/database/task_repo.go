package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// ErrTaskNotFound marks lookups and transitions aimed at a task id that does
// not exist.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepo is the task-queue data access layer. All state transitions are
// conditional updates so that claim and terminal writes stay serialisable
// across workers.
type TaskRepo struct {
	db *Database
}

func NewTaskRepo(db *Database) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = `id, task_type, status, params, server_id, instance_ids, parent_id,
	created_at, started_at, completed_at, worker_id, heartbeat_at,
	result, error, error_code, progress, pid, cancelled`

func scanTask(scan func(dest ...any) error) (*model.Task, error) {
	var t model.Task
	var paramsJSON []byte
	var progressJSON []byte
	var ids pq.Int64Array
	err := scan(&t.ID, &t.Type, &t.Status, &paramsJSON, &t.ServerID, &ids, &t.ParentID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.WorkerID, &t.HeartbeatAt,
		&t.Result, &t.Error, &t.ErrorCode, &progressJSON, &t.PID, &t.Cancelled)
	if err != nil {
		return nil, err
	}
	t.InstanceIDs = []int64(ids)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, fmt.Errorf("failed to decode task params: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		var p model.TaskProgress
		if err := json.Unmarshal(progressJSON, &p); err != nil {
			return nil, fmt.Errorf("failed to decode task progress: %w", err)
		}
		t.Progress = &p
	}
	return &t, nil
}

// Create durably inserts a task in pending state.
func (r *TaskRepo) Create(ctx context.Context, t *model.Task) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("failed to encode task params: %w", err)
	}

	const q = `
	INSERT INTO tasks (id, task_type, status, params, server_id, instance_ids, parent_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.ExecContext(ctx, q, t.ID, t.Type, model.TaskPending, paramsJSON,
		t.ServerID, pq.Array(t.InstanceIDs), t.ParentID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the full task row, or nil when it does not exist.
func (r *TaskRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	row := r.db.QueryRowContext(ctx, q, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status model.TaskStatus
	Type   model.TaskType
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}

	if f.Status != "" {
		q += " AND status = $" + strconv.Itoa(len(args)+1)
		args = append(args, f.Status)
	}
	if f.Type != "" {
		q += " AND task_type = $" + strconv.Itoa(len(args)+1)
		args = append(args, f.Type)
	}
	if f.From != nil {
		q += " AND created_at >= $" + strconv.Itoa(len(args)+1)
		args = append(args, *f.From)
	}
	if f.To != nil {
		q += " AND created_at <= $" + strconv.Itoa(len(args)+1)
		args = append(args, *f.To)
	}

	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT $" + strconv.Itoa(len(args)+1)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET $" + strconv.Itoa(len(args)+1)
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim atomically moves the oldest pending task to processing for the given
// worker. Returns nil when no pending task exists. SKIP LOCKED keeps the
// claim exclusive across N workers without serializing the whole table.
func (r *TaskRepo) Claim(ctx context.Context, workerID string) (*model.Task, error) {
	q := `
	UPDATE tasks SET status = $1, worker_id = $2, started_at = now(), heartbeat_at = now()
	WHERE id = (
		SELECT id FROM tasks WHERE status = $3 AND parent_id IS NULL
		ORDER BY created_at LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + taskColumns
	row := r.db.QueryRowContext(ctx, q, model.TaskProcessing, workerID, model.TaskPending)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

// Start transitions a specific pending task to processing. Used for sub-tasks,
// which are executed in order by the worker that owns their parent.
func (r *TaskRepo) Start(ctx context.Context, id, workerID string) error {
	const q = `
	UPDATE tasks SET status = $1, worker_id = $2, started_at = now(), heartbeat_at = now()
	WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, q, model.TaskProcessing, workerID, id, model.TaskPending)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not pending", id)
	}
	return nil
}

// Heartbeat refreshes the worker liveness timestamp on a processing task.
func (r *TaskRepo) Heartbeat(ctx context.Context, id, workerID string) error {
	const q = `UPDATE tasks SET heartbeat_at = now() WHERE id = $1 AND worker_id = $2 AND status = $3`
	_, err := r.db.ExecContext(ctx, q, id, workerID, model.TaskProcessing)
	return err
}

// SetProgress writes the latest progress blob. Best effort; readers observe
// the latest value.
func (r *TaskRepo) SetProgress(ctx context.Context, id string, p *model.TaskProgress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	const q = `UPDATE tasks SET progress = $1 WHERE id = $2`
	_, err = r.db.ExecContext(ctx, q, progressJSON, id)
	return err
}

// SetPID records the transport OS process for cancellation.
func (r *TaskRepo) SetPID(ctx context.Context, id string, pid int) error {
	const q = `UPDATE tasks SET pid = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, q, pid, id)
	return err
}

// Complete finishes a processing task successfully. completed_at is set
// exactly once by the status guard.
func (r *TaskRepo) Complete(ctx context.Context, id, result string) error {
	const q = `
	UPDATE tasks SET status = $1, result = $2, completed_at = now()
	WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, q, model.TaskCompleted, result, id, model.TaskProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not processing", id)
	}
	return nil
}

// Fail terminates a task with an error. Pending tasks may fail directly
// (pre-dispatch validation); processing tasks fail through the same guard.
func (r *TaskRepo) Fail(ctx context.Context, id, result string, code model.ErrorCode, message string) error {
	const q = `
	UPDATE tasks SET status = $1, result = $2, error = $3, error_code = $4,
		started_at = COALESCE(started_at, now()), completed_at = now()
	WHERE id = $5 AND status IN ($6, $7)`
	res, err := r.db.ExecContext(ctx, q, model.TaskFailed, result, message, code,
		id, model.TaskPending, model.TaskProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is already terminal", id)
	}
	return nil
}

// SetCancelled flips the cancellation flag and reports the current status.
// The flag is honoured by the worker at its next suspension point.
func (r *TaskRepo) SetCancelled(ctx context.Context, id string) (model.TaskStatus, error) {
	const q = `UPDATE tasks SET cancelled = TRUE WHERE id = $1 RETURNING status`
	var status model.TaskStatus
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
		}
		return "", fmt.Errorf("failed to cancel task: %w", err)
	}
	return status, nil
}

// IsCancelled reads the cancellation flag.
func (r *TaskRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	const q = `SELECT cancelled FROM tasks WHERE id = $1`
	var cancelled bool
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&cancelled); err != nil {
		return false, fmt.Errorf("failed to read cancelled flag: %w", err)
	}
	return cancelled, nil
}

// StaleProcessing returns processing tasks whose heartbeat is older than the
// cutoff, candidates for the worker-disappeared recovery pass.
func (r *TaskRepo) StaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks
	WHERE status = $1 AND (heartbeat_at IS NULL OR heartbeat_at < $2)`
	rows, err := r.db.QueryContext(ctx, q, model.TaskProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus reports queue depth per status for the admin surface.
func (r *TaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM tasks GROUP BY status`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[model.TaskStatus]int{}
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
