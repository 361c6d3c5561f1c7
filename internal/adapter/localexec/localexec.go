// Package localexec implements the agent adapter port by running an engine's
// CLI as a local subprocess inside the protocol worktree. The prompt is fed
// on stdin and stdout is captured to the step's primary output target.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Strob0t/Maestro/internal/port/agent"
)

// Adapter runs one engine binary per invocation.
type Adapter struct {
	engine string
	binary string
	args   []string
}

// New creates a subprocess adapter. opts["binary"] overrides the binary name
// (defaulting to the engine id); opts["args"] is a space-separated list of
// fixed leading arguments.
func New(engine string, opts map[string]string) *Adapter {
	a := &Adapter{engine: engine, binary: engine}
	if b := opts["binary"]; b != "" {
		a.binary = b
	}
	if raw := opts["args"]; raw != "" {
		a.args = strings.Fields(raw)
	}
	return a
}

// Register registers a localexec factory under the given engine id.
func Register(engine string) {
	agent.Register(engine, func(opts map[string]string) (agent.Adapter, error) {
		return New(engine, opts), nil
	})
}

// Name returns the engine id this adapter serves.
func (a *Adapter) Name() string { return a.engine }

// Execute runs the engine binary in inv.WorkDir. The process is placed in its
// own process group so cancellation can terminate the whole tree.
func (a *Adapter) Execute(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	if _, err := exec.LookPath(a.binary); err != nil {
		return &agent.Result{
			Status: agent.StatusPermanentError,
			Err:    &agent.ErrorDetail{Class: "engine_missing", Message: fmt.Sprintf("binary %q not found", a.binary)},
		}, nil
	}

	args := append([]string(nil), a.args...)
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Dir = inv.WorkDir
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	written, writeErr := a.writePrimary(inv, stdout.Bytes())
	if writeErr != nil {
		return nil, writeErr
	}

	if runErr != nil {
		return &agent.Result{
			Status:        classifyExit(runErr),
			StdoutBytes:   written,
			PromptVersion: inv.PromptVersion,
			Err:           &agent.ErrorDetail{Class: "exit", Message: firstLine(stderr.String(), runErr)},
		}, nil
	}

	return &agent.Result{
		Status:        agent.StatusOK,
		StdoutBytes:   written,
		PromptVersion: inv.PromptVersion,
	}, nil
}

func (a *Adapter) writePrimary(inv agent.Invocation, out []byte) (int64, error) {
	target := inv.Outputs.Primary
	if target == "" {
		return 0, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("%s: create output dir: %w", a.engine, err)
	}
	if err := os.WriteFile(target, out, 0o644); err != nil {
		return 0, fmt.Errorf("%s: write primary output: %w", a.engine, err)
	}
	return int64(len(out)), nil
}

// classifyExit treats signal deaths and well-known rate-limit exit codes as
// transient; ordinary non-zero exits are permanent.
func classifyExit(err error) agent.ResultStatus {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if !exitErr.Exited() {
			return agent.StatusTransientError
		}
		if exitErr.ExitCode() == 75 { // EX_TEMPFAIL
			return agent.StatusTransientError
		}
	}
	return agent.StatusPermanentError
}

func firstLine(stderr string, fallback error) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return fallback.Error()
	}
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	return s
}
