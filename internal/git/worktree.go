package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrRepoMissing is returned when the base repository does not exist
	// locally and auto-clone is disabled.
	ErrRepoMissing = errors.New("base repository not present locally")
	// ErrWorktreeTaken is returned when the branch or worktree path is
	// already leased by a live protocol.
	ErrWorktreeTaken = errors.New("branch or worktree already in use")
)

// Lease records the worktree and branch granted to one protocol.
type Lease struct {
	ProtocolID   string
	BranchName   string
	WorktreePath string
}

// CoordinatorConfig configures worktree creation.
type CoordinatorConfig struct {
	// WorktreeRoot is the directory under which per-protocol worktrees are created.
	WorktreeRoot string
	// AutoClone clones the repo when missing instead of refusing.
	AutoClone bool
	// RemoteURL is used only when AutoClone is on.
	RemoteURL string
}

// Coordinator creates and releases per-protocol worktrees. No two live
// protocols may share a worktree path or branch name; the coordinator is the
// single owner of that invariant.
type Coordinator struct {
	exec Executor
	cfg  CoordinatorConfig

	// repoMu serializes whole-repo operations (fetch, prune) per repo path.
	repoMu sync.Map // repoPath -> *sync.Mutex

	mu     sync.Mutex
	leases map[string]Lease  // protocolID -> lease
	byName map[string]string // branchName -> protocolID
}

// NewCoordinator creates a worktree coordinator using the given executor.
func NewCoordinator(exec Executor, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		exec:   exec,
		cfg:    cfg,
		leases: make(map[string]Lease),
		byName: make(map[string]string),
	}
}

// Acquire ensures the base repo is present, fetches, creates the protocol
// branch from origin/<baseBranch>, and adds a worktree at a path derived from
// the protocol id. The returned lease is recorded on the protocol run.
func (c *Coordinator) Acquire(ctx context.Context, repoPath, protocolID, protocolName, baseBranch string) (*Lease, error) {
	branch := protocolName // NNNN-<short-name> by construction

	c.mu.Lock()
	if holder, taken := c.byName[branch]; taken && holder != protocolID {
		c.mu.Unlock()
		return nil, fmt.Errorf("branch %s held by protocol %s: %w", branch, holder, ErrWorktreeTaken)
	}
	if lease, ok := c.leases[protocolID]; ok {
		// idempotent re-acquire for the same protocol
		c.mu.Unlock()
		return &lease, nil
	}
	c.byName[branch] = protocolID
	c.mu.Unlock()

	lease, err := c.acquire(ctx, repoPath, protocolID, branch, baseBranch)
	if err != nil {
		c.mu.Lock()
		delete(c.byName, branch)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.leases[protocolID] = *lease
	c.mu.Unlock()
	return lease, nil
}

func (c *Coordinator) acquire(ctx context.Context, repoPath, protocolID, branch, baseBranch string) (*Lease, error) {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		if !c.cfg.AutoClone {
			return nil, fmt.Errorf("%s: %w", repoPath, ErrRepoMissing)
		}
		if _, err := c.exec.Run(ctx, "", "clone", c.cfg.RemoteURL, repoPath); err != nil {
			return nil, fmt.Errorf("auto-clone: %w", err)
		}
	}

	mu := c.lockRepo(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if _, err := c.exec.Run(ctx, repoPath, "fetch", "origin"); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	wtPath := filepath.Join(c.cfg.WorktreeRoot, protocolID)
	if _, err := c.exec.Run(ctx, repoPath,
		"worktree", "add", "-b", branch, wtPath, "origin/"+baseBranch); err != nil {
		return nil, fmt.Errorf("worktree add: %w", err)
	}

	return &Lease{ProtocolID: protocolID, BranchName: branch, WorktreePath: wtPath}, nil
}

// Release removes the protocol's worktree and drops the lease. Called on
// every terminal transition; releasing an unknown protocol is a no-op.
func (c *Coordinator) Release(ctx context.Context, repoPath, protocolID string) error {
	c.mu.Lock()
	lease, ok := c.leases[protocolID]
	if ok {
		delete(c.leases, protocolID)
		delete(c.byName, lease.BranchName)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	mu := c.lockRepo(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if _, err := c.exec.Run(ctx, repoPath, "worktree", "remove", "--force", lease.WorktreePath); err != nil {
		// worktree may already be gone; prune and keep going
		_, _ = c.exec.Run(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

// Lease returns the current lease for a protocol, if any.
func (c *Coordinator) Lease(protocolID string) (Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[protocolID]
	return l, ok
}

// StatusSnapshot returns `git status --porcelain` for a worktree.
func (c *Coordinator) StatusSnapshot(ctx context.Context, worktreePath string) (string, error) {
	out, err := c.exec.Run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("status snapshot: %w", err)
	}
	return out, nil
}

// Diff returns a best-effort textual diff of the worktree against HEAD.
func (c *Coordinator) Diff(ctx context.Context, worktreePath string) string {
	out, err := c.exec.Run(ctx, worktreePath, "diff", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimRight(out, "\n")
}

func (c *Coordinator) lockRepo(repoPath string) *sync.Mutex {
	v, _ := c.repoMu.LoadOrStore(repoPath, &sync.Mutex{})
	return v.(*sync.Mutex)
}
