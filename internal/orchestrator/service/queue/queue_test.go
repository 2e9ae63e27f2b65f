package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/playbook"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/reconcile"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/resolver"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/transport"
)

// ---- in-memory task store ----

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
	stale []*model.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[string]*model.Task{}}
}

func (s *memTaskStore) get(id string) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memTaskStore) Create(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memTaskStore) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id], nil
}

func (s *memTaskStore) Claim(_ context.Context, workerID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == model.TaskPending && t.ParentID == nil {
			t.Status = model.TaskProcessing
			t.WorkerID = &workerID
			now := time.Now()
			t.StartedAt = &now
			return t, nil
		}
	}
	return nil, nil
}

func (s *memTaskStore) Start(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil || t.Status != model.TaskPending {
		return database.ErrTaskNotFound
	}
	t.Status = model.TaskProcessing
	t.WorkerID = &workerID
	return nil
}

func (s *memTaskStore) Heartbeat(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		now := time.Now()
		t.HeartbeatAt = &now
	}
	return nil
}

func (s *memTaskStore) SetProgress(_ context.Context, id string, p *model.TaskProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		t.Progress = p
	}
	return nil
}

func (s *memTaskStore) SetPID(_ context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		t.PID = &pid
	}
	return nil
}

func (s *memTaskStore) Complete(_ context.Context, id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		t.Status = model.TaskCompleted
		t.Result = result
	}
	return nil
}

func (s *memTaskStore) Fail(_ context.Context, id, result string, code model.ErrorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		t.Status = model.TaskFailed
		t.Result = result
		t.Error = message
		t.ErrorCode = string(code)
	}
	return nil
}

func (s *memTaskStore) SetCancelled(_ context.Context, id string) (model.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil {
		return "", database.ErrTaskNotFound
	}
	t.Cancelled = true
	return t.Status, nil
}

func (s *memTaskStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[id]; t != nil {
		return t.Cancelled, nil
	}
	return false, nil
}

func (s *memTaskStore) StaleProcessing(_ context.Context, _ time.Time) ([]*model.Task, error) {
	return s.stale, nil
}

// ---- catalog, events, resolver store, runner fakes ----

type memCatalog struct {
	instances []*model.ApplicationInstance
	group     *model.ApplicationGroup
}

func (c *memCatalog) InstancesByIDs(_ context.Context, ids []int64) ([]*model.ApplicationInstance, error) {
	out := []*model.ApplicationInstance{}
	for _, in := range c.instances {
		for _, id := range ids {
			if in.ID == id {
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func (c *memCatalog) Group(_ context.Context, _ int64) (*model.ApplicationGroup, error) {
	return c.group, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []*model.Event
}

func (e *memEvents) InsertEvent(_ context.Context, ev *model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *memEvents) AppendVersionHistory(_ context.Context, _ *model.VersionHistory) error { return nil }

type memResolverStore struct {
	servers     []*model.Server
	mappings    []*model.ApplicationMapping
	haServers   []*model.HAProxyServer
	backends    []*model.HAProxyBackend
	haInstances []*database.HAProxyInstanceWithServer
}

func (s *memResolverStore) ServersByIDs(_ context.Context, ids []int64) ([]*model.Server, error) {
	out := []*model.Server{}
	for _, sv := range s.servers {
		for _, id := range ids {
			if sv.ID == id {
				out = append(out, sv)
			}
		}
	}
	return out, nil
}

func (s *memResolverStore) ActiveHAProxyMappings(_ context.Context, _ []int64) ([]*model.ApplicationMapping, error) {
	return s.mappings, nil
}

func (s *memResolverStore) HAProxyServersByIDs(_ context.Context, _ []int64) ([]*model.HAProxyServer, error) {
	return s.haServers, nil
}

func (s *memResolverStore) BackendsByIDs(_ context.Context, _ []int64) ([]*model.HAProxyBackend, error) {
	return s.backends, nil
}

func (s *memResolverStore) HAProxyInstancesByIDs(_ context.Context, _ []int64) ([]*database.HAProxyInstanceWithServer, error) {
	return s.haInstances, nil
}

type noopInstances struct{}

func (noopInstances) UpdateDeployedVersion(context.Context, int64, string, string, string, string) error {
	return nil
}
func (noopInstances) MarkStateUnknown(context.Context, []int64) error { return nil }

type noopMappings struct{}

func (noopMappings) DeactivateAutoMappings(context.Context, []int64, string) error { return nil }

// scriptedRunner answers each Run from its composite list, succeeding every
// instance it was asked about. onRun fires after the spec is recorded;
// block makes the run hang until its context terminates.
type scriptedRunner struct {
	mu    sync.Mutex
	runs  int
	specs []transport.RunSpec
	onRun func(spec transport.RunSpec)
	block bool
}

func (r *scriptedRunner) Run(ctx context.Context, spec transport.RunSpec) (*transport.Result, error) {
	r.mu.Lock()
	r.runs++
	r.specs = append(r.specs, spec)
	hook := r.onRun
	r.mu.Unlock()

	if spec.OnStart != nil {
		spec.OnStart(4242)
	}
	if hook != nil {
		hook(spec)
	}
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := &transport.Result{MarkersSeen: true}
	for _, comp := range splitComposites(spec.Params["app_instances"]) {
		res.PerInstance = append(res.PerInstance, model.InstanceResult{
			Composite: comp,
			Status:    model.ResultSuccess,
			Message:   "ok",
		})
	}
	return res, nil
}

func splitComposites(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ',' {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	return out
}

// ---- fixture assembly ----

func testPlaybookIndex(t *testing.T) (*playbook.Index, string) {
	t.Helper()
	dir := t.TempDir()
	orch := filepath.Join(dir, "update_orchestrator.yml")
	require.NoError(t, os.WriteFile(orch,
		[]byte("---\nname: update orchestrator\n---\n- hosts: all\n"), 0o644))
	idx := playbook.NewIndex(dir, time.Minute)
	require.NoError(t, idx.Scan())
	return idx, orch
}

type fixture struct {
	store   *memTaskStore
	catalog *memCatalog
	events  *memEvents
	runner  *scriptedRunner
	queue   *Queue
}

func newFixture(t *testing.T, rs *memResolverStore, cat *memCatalog) *fixture {
	return newFixtureCfg(t, rs, cat, nil)
}

func newFixtureCfg(t *testing.T, rs *memResolverStore, cat *memCatalog, tune func(*Config)) *fixture {
	t.Helper()
	idx, orch := testPlaybookIndex(t)
	store := newMemTaskStore()
	events := &memEvents{}
	runner := &scriptedRunner{}

	cfg := Config{
		Workers:                  1,
		DefaultDrainDelaySeconds: 300,
		OrchestratorPlaybook:     orch,
		TaskDeadline:             time.Minute,
		HeartbeatStaleAfter:      time.Minute,
		HeartbeatInterval:        10 * time.Millisecond,
		CancelPollInterval:       10 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	q := New(cfg, Deps{
		Tasks:    store,
		Catalog:  cat,
		Events:   events,
		Resolver: resolver.New(rs),
		Index:    idx,
		Runner:   runner,
		Reconciler: reconcile.New(reconcile.Deps{
			Audit:     events,
			Instances: noopInstances{},
			Mappings:  noopMappings{},
		}),
	})
	return &fixture{store: store, catalog: cat, events: events, runner: runner, queue: q}
}

func simpleFleet() (*memResolverStore, *memCatalog) {
	rs := &memResolverStore{
		servers: []*model.Server{
			{ID: 10, Name: "web1.dc1"},
			{ID: 11, Name: "web2.dc1"},
		},
	}
	cat := &memCatalog{
		instances: []*model.ApplicationInstance{
			{ID: 1, Name: "billing_1", ServerID: 10},
			{ID: 2, Name: "billing_2", ServerID: 11},
		},
		group: &model.ApplicationGroup{ID: 7, PlaybookPath: "playbooks/billing.yml"},
	}
	gid := int64(7)
	for _, in := range cat.instances {
		in.GroupID = &gid
	}
	return rs, cat
}

// ---- tests ----

func TestSubmitValidation(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		_, err := f.queue.Submit(ctx, SubmitRequest{Type: "reboot", InstanceIDs: []int64{1}})
		require.Error(t, err)
		assert.Equal(t, model.CodeValidation, model.CodeOf(err))
	})

	t.Run("empty target", func(t *testing.T) {
		_, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskRestart})
		require.Error(t, err)
		assert.Equal(t, model.CodeValidation, model.CodeOf(err))
	})

	t.Run("update requires distr_url", func(t *testing.T) {
		_, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskUpdate, InstanceIDs: []int64{1}})
		require.Error(t, err)
		assert.Equal(t, model.CodeValidation, model.CodeOf(err))
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := f.queue.Submit(ctx, SubmitRequest{
			Type:        model.TaskRestart,
			InstanceIDs: []int64{1},
			Params:      model.TaskParams{Mode: "yolo"},
		})
		require.Error(t, err)
		assert.Equal(t, model.CodeValidation, model.CodeOf(err))
	})

	t.Run("accepted with defaults", func(t *testing.T) {
		id, err := f.queue.Submit(ctx, SubmitRequest{
			Type:        model.TaskRestart,
			InstanceIDs: []int64{1, 2, 1},
		})
		require.NoError(t, err)
		stored := f.store.get(id)
		require.NotNil(t, stored)
		assert.Equal(t, model.TaskPending, stored.Status)
		assert.Equal(t, model.ModeRestart, stored.Params.Mode)
		assert.Equal(t, []int64{1, 2}, stored.InstanceIDs) // deduplicated
	})
}

func TestCancelUnknownTask(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixture(t, rs, cat)

	_, err := f.queue.Cancel(context.Background(), "no-such-task")
	require.Error(t, err)
}

func claimAndProcess(t *testing.T, f *fixture) *model.Task {
	t.Helper()
	ctx := context.Background()
	w := &worker{q: f.queue, id: "test-worker"}
	claimed, err := f.store.Claim(ctx, w.id)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	w.process(ctx, claimed)
	return f.store.get(claimed.ID)
}

func TestWorkerProcessesTaskToCompletion(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	id, err := f.queue.Submit(ctx, SubmitRequest{
		Type:        model.TaskUpdate,
		InstanceIDs: []int64{1, 2},
		Params:      model.TaskParams{DistrURL: "http://nexus/billing-2.0.zip"},
	})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Equal(t, id, done.ID)
	require.NotNil(t, done.PID)
	assert.Equal(t, 4242, *done.PID)

	var summary model.TaskResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &summary))
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	assert.Equal(t, 1, f.runner.runs)
	assert.Equal(t, "http://nexus/billing-2.0.zip", f.runner.specs[0].Params["distr_url"])
}

func TestWorkerFailsTaskWhenNoInstancesSurvive(t *testing.T) {
	rs, cat := simpleFleet()
	cat.instances = nil // all deleted since submission
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskRestart, InstanceIDs: []int64{1}})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskFailed, done.Status)
	assert.Equal(t, string(model.CodeValidation), done.ErrorCode)
	assert.Zero(t, f.runner.runs)
}

func TestWorkerMappingFailurePartialBatch(t *testing.T) {
	rs, cat := simpleFleet()
	rs.servers = rs.servers[:1] // instance 2's server is gone
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskRestart, InstanceIDs: []int64{1, 2}})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskFailed, done.Status)

	// the resolvable instance still ran
	assert.Equal(t, 1, f.runner.runs)
	var summary model.TaskResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &summary))
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// the unresolvable instance appears in the breakdown as a failed line
	require.Len(t, summary.Instances, 2)
	last := summary.Instances[len(summary.Instances)-1]
	assert.Equal(t, "billing_2", last.Composite)
	assert.Equal(t, model.ResultFailed, last.Status)
}

func TestWorkerHonoursPreRunCancellation(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	id, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskRestart, InstanceIDs: []int64{1}})
	require.NoError(t, err)
	_, err = f.queue.Cancel(ctx, id)
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskFailed, done.Status)
	assert.Equal(t, string(model.CodeCancelled), done.ErrorCode)
	assert.Zero(t, f.runner.runs)
}

func haproxyFleet() (*memResolverStore, *memCatalog) {
	rs, cat := simpleFleet()
	rs.servers = append(rs.servers, &model.Server{ID: 20, Name: "lb1.dc1", Addr: "10.0.0.20"})
	rs.mappings = []*model.ApplicationMapping{
		{ID: 1, InstanceID: 1, EntityType: model.MappingHAProxyServer, EntityID: 100, IsActive: true},
		{ID: 2, InstanceID: 2, EntityType: model.MappingHAProxyServer, EntityID: 101, IsActive: true},
	}
	rs.haServers = []*model.HAProxyServer{
		{ID: 100, Name: "ha_b1", BackendID: 200},
		{ID: 101, Name: "ha_b2", BackendID: 201},
	}
	rs.backends = []*model.HAProxyBackend{
		{ID: 200, Name: "backend_a", HAProxyInstanceID: 300},
		{ID: 201, Name: "backend_b", HAProxyInstanceID: 300},
	}
	rs.haInstances = []*database.HAProxyInstanceWithServer{
		{
			HAProxyInstance: model.HAProxyInstance{ID: 300, ServerID: 20, APIPort: 5555, APIBasePath: "/v2"},
			Server:          model.Server{ID: 20, Name: "lb1.dc1", Addr: "10.0.0.20"},
		},
	}
	return rs, cat
}

func TestWorkerSplitsMultiBackendBatch(t *testing.T) {
	rs, cat := haproxyFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	id, err := f.queue.Submit(ctx, SubmitRequest{
		Type:        model.TaskUpdate,
		InstanceIDs: []int64{1, 2},
		Params:      model.TaskParams{DistrURL: "http://nexus/billing-2.0.zip"},
	})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskCompleted, done.Status)

	// one run per backend, each carrying a single backend parameter
	require.Equal(t, 2, f.runner.runs)
	backends := []string{
		f.runner.specs[0].Params["haproxy_backend"],
		f.runner.specs[1].Params["haproxy_backend"],
	}
	assert.ElementsMatch(t, []string{"backend_a", "backend_b"}, backends)

	var summary model.TaskResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &summary))
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.SubTasks, 2)

	// sub-tasks are durable rows pointing at their parent, excluded from Claim
	for _, subID := range summary.SubTasks {
		sub := f.store.get(subID)
		require.NotNil(t, sub)
		require.NotNil(t, sub.ParentID)
		assert.Equal(t, id, *sub.ParentID)
		assert.Equal(t, model.TaskCompleted, sub.Status)
	}
}

func TestWorkerKeepsMixedBatchTogether(t *testing.T) {
	rs, cat := haproxyFleet()
	rs.mappings = rs.mappings[:1] // instance 2 has no haproxy placement
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, SubmitRequest{
		Type:        model.TaskUpdate,
		InstanceIDs: []int64{1, 2},
		Params:      model.TaskParams{DistrURL: "http://nexus/billing-2.0.zip"},
	})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskCompleted, done.Status)

	// one backend plus an unmapped instance stays a single invocation; the
	// drain steps simply have nothing to do for the unmapped composite
	require.Equal(t, 1, f.runner.runs)
	assert.Equal(t, "backend_a", f.runner.specs[0].Params["haproxy_backend"])
	assert.Contains(t, f.runner.specs[0].Params["app_instances"], "web1::billing_1::ha_b1")
	assert.Contains(t, f.runner.specs[0].Params["app_instances"], "web2::billing_2")

	var summary model.TaskResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &summary))
	assert.Equal(t, 2, summary.Succeeded)
	assert.Empty(t, summary.SubTasks)
}

func TestWorkerCancelBetweenSubTasks(t *testing.T) {
	rs, cat := haproxyFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	id, err := f.queue.Submit(ctx, SubmitRequest{
		Type:        model.TaskUpdate,
		InstanceIDs: []int64{1, 2},
		Params:      model.TaskParams{DistrURL: "http://nexus/billing-2.0.zip"},
	})
	require.NoError(t, err)

	// the cancel lands while the first sub-task's playbook is running
	f.runner.onRun = func(transport.RunSpec) {
		_, cErr := f.store.SetCancelled(ctx, id)
		require.NoError(t, cErr)
	}

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskFailed, done.Status)
	assert.Equal(t, string(model.CodeCancelled), done.ErrorCode)
	assert.Equal(t, 1, f.runner.runs)

	var summary model.TaskResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &summary))
	require.Len(t, summary.SubTasks, 2)

	first := f.store.get(summary.SubTasks[0])
	assert.Equal(t, model.TaskCompleted, first.Status)

	second := f.store.get(summary.SubTasks[1])
	assert.Equal(t, model.TaskFailed, second.Status)
	assert.Equal(t, string(model.CodeCancelled), second.ErrorCode)
}

func TestWorkerDeadlineReportsCancelled(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixtureCfg(t, rs, cat, func(cfg *Config) {
		cfg.TaskDeadline = 30 * time.Millisecond
	})
	f.runner.block = true
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, SubmitRequest{Type: model.TaskRestart, InstanceIDs: []int64{1}})
	require.NoError(t, err)

	done := claimAndProcess(t, f)
	assert.Equal(t, model.TaskFailed, done.Status)
	assert.Equal(t, string(model.CodeCancelled), done.ErrorCode)
}

func TestRecoverStaleFailsOrphanedTasks(t *testing.T) {
	rs, cat := simpleFleet()
	f := newFixture(t, rs, cat)
	ctx := context.Background()

	workerID := "gone-worker"
	orphan := &model.Task{
		ID:       "orphan-1",
		Type:     model.TaskRestart,
		Status:   model.TaskProcessing,
		WorkerID: &workerID,
	}
	require.NoError(t, f.store.Create(ctx, orphan))
	f.store.stale = []*model.Task{f.store.get("orphan-1")}

	f.queue.RecoverStale(ctx)

	done := f.store.get("orphan-1")
	assert.Equal(t, model.TaskFailed, done.Status)
	assert.Equal(t, string(model.CodeWorkerDisappeared), done.ErrorCode)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "restart_recovery", f.events.events[0].Type)
}
