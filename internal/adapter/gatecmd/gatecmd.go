// Package gatecmd implements the deterministic gate runner port by executing
// project tooling as subprocesses inside the worktree. Gate names map to
// commands; unknown names and missing tools produce skipped results rather
// than failures, so specs stay portable across projects.
package gatecmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Strob0t/Maestro/internal/domain/qa"
)

// defaultCommands is the built-in gate name -> command table.
var defaultCommands = map[string][]string{
	"build":  {"make", "build"},
	"test":   {"make", "test"},
	"lint":   {"make", "lint"},
	"format": {"make", "fmt-check"},
}

// Runner executes named gates as commands.
type Runner struct {
	commands map[string][]string
}

// New creates a Runner. overrides replaces or extends the built-in command
// table; a nil map keeps the defaults.
func New(overrides map[string][]string) *Runner {
	cmds := make(map[string][]string, len(defaultCommands)+len(overrides))
	for name, argv := range defaultCommands {
		cmds[name] = argv
	}
	for name, argv := range overrides {
		cmds[name] = argv
	}
	return &Runner{commands: cmds}
}

// Run executes one gate inside workDir.
func (r *Runner) Run(ctx context.Context, name, workDir string) qa.GateResult {
	argv, ok := r.commands[name]
	if !ok || len(argv) == 0 {
		return qa.GateResult{Name: name, Skipped: true, Reason: "no command configured"}
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return qa.GateResult{Name: name, Skipped: true, Reason: fmt.Sprintf("tool %q not found", argv[0])}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return qa.GateResult{
				Name:   name,
				Passed: false,
				Findings: []qa.Finding{{
					Severity: qa.SeverityError,
					Code:     "gate_timeout",
					Message:  "gate exceeded its wall time limit",
				}},
			}
		}
		return qa.GateResult{
			Name:   name,
			Passed: false,
			Findings: []qa.Finding{{
				Severity: qa.SeverityError,
				Code:     "gate_failed",
				Message:  tailLines(output.String(), 20),
			}},
		}
	}
	return qa.GateResult{Name: name, Passed: true}
}

// tailLines keeps the last n lines of command output so findings stay small.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
