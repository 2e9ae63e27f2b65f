package model

import "time"

// TaskType is the lifecycle action a task performs.
type TaskType string

const (
	TaskStart   TaskType = "start"
	TaskStop    TaskType = "stop"
	TaskRestart TaskType = "restart"
	TaskUpdate  TaskType = "update"
)

// TaskStatus transitions are monotonic: pending -> processing -> {completed, failed}.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// UpdateMode selects how the target application is brought to the new version.
type UpdateMode string

const (
	ModeRestart   UpdateMode = "restart"
	ModeImmediate UpdateMode = "immediate"
)

// TaskParams is the typed parameter bag carried by a task. It is serialized
// to JSON only at the store edge; the executors work with this struct.
type TaskParams struct {
	DistrURL      string            `json:"distr_url,omitempty"`
	Mode          UpdateMode        `json:"mode,omitempty"`
	PlaybookPath  string            `json:"playbook_path,omitempty"`
	DrainWaitTime int               `json:"drain_wait_time,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// TaskProgress is a best-effort progress snapshot written by the worker.
type TaskProgress struct {
	Stage     string    `json:"stage"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is a unit of asynchronous work owned by the task queue.
type Task struct {
	ID     string     `json:"id" db:"id"`
	Type   TaskType   `json:"type" db:"task_type"`
	Status TaskStatus `json:"status" db:"status"`
	Params TaskParams `json:"params" db:"params"`

	ServerID    *int64  `json:"serverId" db:"server_id"`
	InstanceIDs []int64 `json:"instanceIds" db:"instance_ids"`

	// ParentID links a per-backend sub-task to the batch task it was split from.
	ParentID *string `json:"parentId" db:"parent_id"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt" db:"completed_at"`

	WorkerID    *string    `json:"workerId" db:"worker_id"`
	HeartbeatAt *time.Time `json:"heartbeatAt" db:"heartbeat_at"`

	Result    string        `json:"result" db:"result"`
	Error     string        `json:"error" db:"error"`
	ErrorCode string        `json:"errorCode" db:"error_code"`
	Progress  *TaskProgress `json:"progress" db:"progress"`
	PID       *int          `json:"pid" db:"pid"`
	Cancelled bool          `json:"cancelled" db:"cancelled"`
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// InstanceResultStatus is the per-composite outcome reported by the transport.
type InstanceResultStatus string

const (
	ResultSuccess InstanceResultStatus = "success"
	ResultFailed  InstanceResultStatus = "failed"
	ResultSkipped InstanceResultStatus = "skipped"
)

// InstanceResult is one line of the transport's marker section.
type InstanceResult struct {
	Composite string               `json:"composite"`
	Status    InstanceResultStatus `json:"status"`
	Message   string               `json:"message,omitempty"`
}

// TaskResult is the structured breakdown stored in a terminal task's result field.
type TaskResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Instances []InstanceResult `json:"instances,omitempty"`
	SubTasks  []string         `json:"subTasks,omitempty"`
}
