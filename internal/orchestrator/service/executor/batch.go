package executor

import (
	"sort"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// strategyOf picks the batch strategy: the group's, or by_group for
// ungrouped targets (a single instance sorts trivially either way).
func strategyOf(tc *TaskContext) model.BatchStrategy {
	if tc.Group != nil && tc.Group.Strategy != "" {
		return tc.Group.Strategy
	}
	return model.BatchByGroup
}

func backendName(t Target) string {
	if t.hasHAProxy() {
		return t.Resolution.Backend.Name
	}
	return ""
}

// orderTargets produces the rollout order the composite list reflects, so the
// playbook can process fixed-size waves safely.
//
//   - by_group / by_instance_name: sort by (backend, parity, instance number,
//     name); even instance numbers come before odd ones so alternating waves
//     keep capacity in every backend.
//   - by_server: sort by (server short name, instance name) so one wave
//     touches at most one instance per server.
//   - no_grouping: input order.
func orderTargets(targets []Target, strategy model.BatchStrategy) []Target {
	if strategy == model.BatchNoGrouping {
		return targets
	}

	ordered := make([]Target, len(targets))
	copy(ordered, targets)

	switch strategy {
	case model.BatchByServer:
		sort.SliceStable(ordered, func(i, j int) bool {
			si, sj := ordered[i].server().ShortName(), ordered[j].server().ShortName()
			if si != sj {
				return si < sj
			}
			return ordered[i].Instance.Name < ordered[j].Instance.Name
		})
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			bi, bj := backendName(ordered[i]), backendName(ordered[j])
			if bi != bj {
				return bi < bj
			}
			ni, nj := ordered[i].Instance.InstanceNumber(), ordered[j].Instance.InstanceNumber()
			if pi, pj := ni%2, nj%2; pi != pj {
				return pi < pj // evens first
			}
			if ni != nj {
				return ni < nj
			}
			return ordered[i].Instance.Name < ordered[j].Instance.Name
		})
	}
	return ordered
}

// SplitByBackend partitions a batch into per-backend sub-batches in backend
// name order. One orchestrator invocation accepts a single backend
// parameter, so a batch spanning backends must run as sequential sub-tasks.
// Unmapped targets have no drain step to order around and ride along with
// the first backend's batch.
func SplitByBackend(targets []Target) [][]Target {
	byBackend := map[string][]Target{}
	names := []string{}
	var unmapped []Target
	for _, t := range targets {
		name := backendName(t)
		if name == "" {
			unmapped = append(unmapped, t)
			continue
		}
		if _, ok := byBackend[name]; !ok {
			names = append(names, name)
		}
		byBackend[name] = append(byBackend[name], t)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return [][]Target{unmapped}
	}
	byBackend[names[0]] = append(byBackend[names[0]], unmapped...)

	batches := make([][]Target, 0, len(names))
	for _, name := range names {
		batches = append(batches, byBackend[name])
	}
	return batches
}

// SpansBackends reports whether the batch touches more than one haproxy
// backend. Unmapped targets belong to whichever batch they land in, so
// only distinct backend names count.
func SpansBackends(targets []Target) bool {
	seen := ""
	for _, t := range targets {
		name := backendName(t)
		if name == "" {
			continue
		}
		if seen == "" {
			seen = name
		} else if name != seen {
			return true
		}
	}
	return false
}
