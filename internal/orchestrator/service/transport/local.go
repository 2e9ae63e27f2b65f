package transport

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// LocalRunner executes the orchestrator playbook as a subprocess on this
// host. Cancellation sends SIGTERM and escalates to SIGKILL after TermGrace.
type LocalRunner struct {
	Command   string
	TermGrace time.Duration
}

func (r *LocalRunner) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	args := buildArgs(spec)
	cmd := exec.CommandContext(ctx, r.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.TermGrace

	if err := cmd.Start(); err != nil {
		return nil, model.WrapError(model.CodeTransport, err,
			"failed to start %s", r.Command)
	}
	if spec.OnStart != nil {
		spec.OnStart(cmd.Process.Pid)
	}
	log.Debug().Str("command", r.Command).Str("playbook", spec.PlaybookPath).
		Int("pid", cmd.Process.Pid).Msg("playbook run started")

	err := cmd.Wait()

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	res.PerInstance, res.MarkersSeen = parseResults(res.Stdout)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return res, model.WrapError(model.CodeCancelled, ctx.Err(), "playbook run cancelled")
			}
			// non-zero exit with a marker section means per-instance
			// failures, which the reconciler attributes; without markers
			// the run itself is the failure
			if res.MarkersSeen {
				return res, nil
			}
			return res, model.WrapError(model.CodeTransport, err,
				"playbook exited with code %d", res.ExitCode)
		}
		return res, model.WrapError(model.CodeTransport, err, "playbook run failed")
	}
	return res, nil
}
