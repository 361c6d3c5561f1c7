package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs git commands. It is the interface seam that lets the worktree
// coordinator be tested with a fake instead of a real repository.
type Executor interface {
	// Run executes git with the given args in dir ("" = inherit CWD) and
	// returns stdout.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLI is the production Executor backed by the git binary, throttled by a Pool.
type CLI struct {
	pool *Pool
}

// NewCLI creates a CLI executor sharing the given pool.
func NewCLI(pool *Pool) *CLI {
	return &CLI{pool: pool}
}

// Run executes a git command, returning stdout. Stderr is folded into the
// error on failure.
func (c *CLI) Run(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	err := c.pool.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, "git", args...)
		if dir != "" {
			cmd.Dir = dir
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
		}
		out = stdout.String()
		return nil
	})
	return out, err
}
