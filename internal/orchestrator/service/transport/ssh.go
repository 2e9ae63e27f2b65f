package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// SSHRunner executes the orchestrator playbook on a remote control host over
// SSH. Cancellation signals the remote process and closes the session after
// the grace window.
type SSHRunner struct {
	Command     string
	ControlHost string
	User        string
	KeyPath     string
	TermGrace   time.Duration
}

func (r *SSHRunner) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	client, err := r.dial()
	if err != nil {
		return nil, model.WrapError(model.CodeTransport, err,
			"failed to connect to control host %s", r.ControlHost)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, model.WrapError(model.CodeTransport, err, "failed to open ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdLine := buildCommandLine(r.Command, spec)
	if err := session.Start(cmdLine); err != nil {
		return nil, model.WrapError(model.CodeTransport, err, "failed to start remote playbook")
	}
	log.Debug().Str("host", r.ControlHost).Str("playbook", spec.PlaybookPath).
		Msg("remote playbook run started")

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	cancelled := false
	select {
	case err = <-done:
	case <-ctx.Done():
		cancelled = true
		// graceful stop, then cut the session
		_ = session.Signal(ssh.SIGTERM)
		select {
		case err = <-done:
		case <-time.After(r.TermGrace):
			_ = session.Close()
			err = <-done
		}
	}

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	res.PerInstance, res.MarkersSeen = parseResults(res.Stdout)

	if cancelled {
		return res, model.WrapError(model.CodeCancelled, ctx.Err(), "playbook run cancelled")
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			if res.MarkersSeen {
				return res, nil
			}
			return res, model.WrapError(model.CodeTransport, err,
				"remote playbook exited with code %d", res.ExitCode)
		}
		return res, model.WrapError(model.CodeTransport, err, "remote playbook run failed")
	}
	return res, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	key, err := os.ReadFile(r.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", r.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	addr := r.ControlHost
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // control host is inside the management network
		Timeout:         30 * time.Second,
	}
	return ssh.Dial("tcp", addr, cfg)
}

func buildCommandLine(command string, spec RunSpec) string {
	parts := []string{command}
	for _, a := range buildArgs(spec) {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
