package executor

import (
	"strconv"
	"strings"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/playbook"
	"github.com/fleetops/appcontrol/internal/orchestrator/service/resolver"
)

// Target is one instance of a task batch together with its resolved placement.
type Target struct {
	Instance   *model.ApplicationInstance
	Resolution *resolver.Resolution
}

func (t Target) server() *model.Server { return t.Resolution.Server }

func (t Target) hasHAProxy() bool {
	return t.Resolution != nil && t.Resolution.HasHAProxy()
}

// TaskContext is everything a worker loads for one task (or sub-task) before
// preparing the playbook invocation.
type TaskContext struct {
	Task    *model.Task
	Group   *model.ApplicationGroup
	Targets []Target

	DefaultDrainDelaySeconds int
	OrchestratorPlaybook     string
	Index                    *playbook.Index
}

// PreparedRun is the concrete invocation handed to the transport.
type PreparedRun struct {
	PlaybookPath string
	Params       map[string]string
}

// Executor turns a task context into a prepared playbook invocation.
type Executor interface {
	Name() string
	Prepare(tc *TaskContext) (*PreparedRun, error)
}

// New picks the executor variant: if any target instance has a live HAProxy
// mapping the richer variant wins, because a heterogeneous batch still needs
// the drain parameters supplied (the playbook's drain steps are no-ops for
// unmapped instances).
func New(tc *TaskContext) Executor {
	for _, t := range tc.Targets {
		if t.hasHAProxy() {
			return &templateExecutor{name: "haproxy", v: haproxyVariant{}}
		}
	}
	return &templateExecutor{name: "simple", v: simpleVariant{}}
}

// variant supplies the two steps that differ between executors.
type variant interface {
	buildComposite(t Target) string
	addParams(tc *TaskContext, targets []Target, params map[string]string) error
}

type templateExecutor struct {
	name string
	v    variant
}

func (e *templateExecutor) Name() string { return e.name }

// Prepare runs the shared preparation algorithm: order the batch, resolve the
// application playbook and its trailing custom parameters, compose the base
// parameter map, apply variant additions, merge customs over base, and
// validate against the playbook index. The output is deterministic for
// identical inputs.
func (e *templateExecutor) Prepare(tc *TaskContext) (*PreparedRun, error) {
	targets := orderTargets(tc.Targets, strategyOf(tc))

	appPlaybook, err := resolveAppPlaybook(tc)
	if err != nil {
		return nil, err
	}
	basePath, customParams := ParseTrailingParams(appPlaybook)

	composites := make([]string, 0, len(targets))
	for _, t := range targets {
		composites = append(composites, e.v.buildComposite(t))
	}

	params := map[string]string{
		"app_instances":       strings.Join(composites, ","),
		"drain_delay_seconds": strconv.Itoa(drainDelaySeconds(tc)),
		"update_playbook":     playbookName(basePath),
		"distr_url":           resolveDistrURL(tc),
	}

	if err := e.v.addParams(tc, targets, params); err != nil {
		return nil, err
	}

	// custom wins on collision: task extras first, then path-embedded params
	for k, v := range tc.Task.Params.Extra {
		params[k] = v
	}
	for k, v := range customParams {
		params[k] = v
	}

	if err := validateParams(tc, params); err != nil {
		return nil, err
	}

	return &PreparedRun{PlaybookPath: tc.OrchestratorPlaybook, Params: params}, nil
}

// validateParams checks the merged map against the orchestrator playbook's
// declared parameters. Unknown params pass through; missing required ones
// fail the preparation.
func validateParams(tc *TaskContext, params map[string]string) error {
	meta, ok := tc.Index.Lookup(tc.OrchestratorPlaybook)
	if !ok {
		return model.NewError(model.CodePlaybookMissing,
			"orchestrator playbook %s is not indexed", tc.OrchestratorPlaybook)
	}
	for name := range meta.Required {
		if v, present := params[name]; !present || v == "" {
			return model.NewError(model.CodeRequiredParamMissing,
				"playbook %s requires parameter %q", tc.OrchestratorPlaybook, name)
		}
	}
	return nil
}

// drainDelaySeconds prefers the task's drain_wait_time over the configured default.
func drainDelaySeconds(tc *TaskContext) int {
	if tc.Task.Params.DrainWaitTime > 0 {
		return tc.Task.Params.DrainWaitTime
	}
	return tc.DefaultDrainDelaySeconds
}

// playbookName is the basename of the application playbook without extension,
// passed to the orchestrator as the update_playbook parameter.
func playbookName(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// resolveAppPlaybook applies the override chain: task parameter, then a
// shared per-instance override, then the group default.
func resolveAppPlaybook(tc *TaskContext) (string, error) {
	if p := tc.Task.Params.PlaybookPath; p != "" {
		return p, nil
	}
	if p := sharedInstanceValue(tc.Targets, func(i *model.ApplicationInstance) string {
		return i.CustomPlaybookPath
	}); p != "" {
		return p, nil
	}
	if tc.Group != nil && tc.Group.PlaybookPath != "" {
		return tc.Group.PlaybookPath, nil
	}
	return "", model.NewError(model.CodeValidation,
		"no playbook path for task %s: not in params, instance overrides or group", tc.Task.ID)
}

// resolveDistrURL applies the same override chain for the artifact URL.
// Submission validation guarantees it is set for update tasks.
func resolveDistrURL(tc *TaskContext) string {
	if u := tc.Task.Params.DistrURL; u != "" {
		return u
	}
	if u := sharedInstanceValue(tc.Targets, func(i *model.ApplicationInstance) string {
		return i.CustomDistrURL
	}); u != "" {
		return u
	}
	if tc.Group != nil {
		return tc.Group.DistrURL
	}
	return ""
}

// sharedInstanceValue returns the value all targets agree on, or "".
func sharedInstanceValue(targets []Target, get func(*model.ApplicationInstance) string) string {
	shared := ""
	for _, t := range targets {
		v := get(t.Instance)
		if v == "" {
			return ""
		}
		if shared == "" {
			shared = v
		} else if v != shared {
			return ""
		}
	}
	return shared
}

type simpleVariant struct{}

// buildComposite emits "{short_server}::{instance_name}".
func (simpleVariant) buildComposite(t Target) string {
	return t.server().ShortName() + "::" + t.Instance.Name
}

func (simpleVariant) addParams(*TaskContext, []Target, map[string]string) error { return nil }

type haproxyVariant struct{}

// buildComposite emits "{short_server}::{instance_name}::{haproxy_server_name}"
// for mapped instances; unmapped instances in a heterogeneous batch keep the
// simple form so the playbook skips their drain steps.
func (haproxyVariant) buildComposite(t Target) string {
	c := t.server().ShortName() + "::" + t.Instance.Name
	if t.hasHAProxy() {
		c += "::" + t.Resolution.HAProxyServer.Name
	}
	return c
}

// addParams contributes the single backend and its management endpoint. One
// invocation never spans more than one backend; the queue splits multi-backend
// batches before preparation.
func (haproxyVariant) addParams(tc *TaskContext, targets []Target, params map[string]string) error {
	backend := ""
	apiURL := ""
	for _, t := range targets {
		if !t.hasHAProxy() {
			continue
		}
		name := t.Resolution.Backend.Name
		if backend == "" {
			backend = name
			apiURL = t.Resolution.APIURL
		} else if backend != name {
			return model.NewError(model.CodeValidation,
				"batch spans haproxy backends %q and %q; split it first", backend, name)
		}
	}
	if backend == "" || apiURL == "" {
		return model.NewError(model.CodeMapping,
			"haproxy executor selected but no target resolves to a backend")
	}
	params["haproxy_backend"] = backend
	params["haproxy_api_url"] = apiURL
	return nil
}
