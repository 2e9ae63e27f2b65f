package transport

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fleetops/appcontrol/internal/config"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// RunSpec describes one playbook invocation.
type RunSpec struct {
	PlaybookPath string
	Params       map[string]string

	// OnStart, when set, receives the OS pid of the runner process as soon
	// as it is known. Remote runs report no pid.
	OnStart func(pid int)
}

// Result is the captured outcome of a playbook run. PerInstance is parsed
// from the marker section; MarkersSeen is false when the section was absent,
// which means the transport failed to run the orchestrator at all.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	PerInstance []model.InstanceResult
	MarkersSeen bool
}

// Runner executes a playbook on the control host. Implementations must honor
// ctx cancellation with a graceful stop (SIGTERM, then SIGKILL after the
// grace window).
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*Result, error)
}

// NewRunner builds the runner selected by the transport configuration.
func NewRunner(cfg *config.TransportConfig) (Runner, error) {
	grace, err := time.ParseDuration(cfg.TermGrace)
	if err != nil || grace <= 0 {
		grace = 10 * time.Second
	}
	switch cfg.Mode {
	case "", "local":
		return &LocalRunner{Command: cfg.Command, TermGrace: grace}, nil
	case "remote-ssh":
		if cfg.SSHControlHost == "" {
			return nil, fmt.Errorf("transport mode remote-ssh requires sshControlHost")
		}
		return &SSHRunner{
			Command:     cfg.Command,
			ControlHost: cfg.SSHControlHost,
			User:        cfg.SSHUser,
			KeyPath:     cfg.SSHKeyPath,
			TermGrace:   grace,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// buildArgs renders the invocation arguments. Params are emitted in key
// order so a prepared run maps to one exact command line.
func buildArgs(spec RunSpec) []string {
	keys := make([]string, 0, len(spec.Params))
	for k := range spec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []string{spec.PlaybookPath}
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Params[k])
	}
	return args
}
