package transport

import (
	"strings"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

const (
	markerBegin = "===AC-RESULT-BEGIN==="
	markerEnd   = "===AC-RESULT-END==="
)

// parseResults extracts the per-instance result lines from the marker
// section of the orchestrator's stdout. Lines are tab-separated
// "composite<TAB>status<TAB>message". The second return is false when the
// marker section is absent.
func parseResults(stdout string) ([]model.InstanceResult, bool) {
	begin := strings.Index(stdout, markerBegin)
	if begin < 0 {
		return nil, false
	}
	rest := stdout[begin+len(markerBegin):]
	end := strings.Index(rest, markerEnd)
	if end < 0 {
		return nil, false
	}

	var results []model.InstanceResult
	for _, line := range strings.Split(rest[:end], "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		r := model.InstanceResult{
			Composite: parts[0],
			Status:    model.InstanceResultStatus(parts[1]),
		}
		if len(parts) == 3 {
			r.Message = parts[2]
		}
		switch r.Status {
		case model.ResultSuccess, model.ResultFailed, model.ResultSkipped:
		default:
			r.Message = "unrecognized status " + string(r.Status) + ": " + r.Message
			r.Status = model.ResultFailed
		}
		results = append(results, r)
	}
	return results, true
}
