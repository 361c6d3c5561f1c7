// Package gate defines the deterministic QA gate runner port. Gates are
// declared by name in step specs ("lint", "test", "build", ...); how a name
// maps to a tool invocation is an adapter concern, which keeps the QA loop
// testable with fakes.
package gate

import (
	"context"

	"github.com/Strob0t/Maestro/internal/domain/qa"
)

// Runner executes one named deterministic gate inside a worktree.
type Runner interface {
	// Run executes the gate and returns its result. A missing tool is not an
	// error: the result is marked skipped with a reason.
	Run(ctx context.Context, name, workDir string) qa.GateResult
}
