package git_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/Maestro/internal/git"
)

// fakeExec records git invocations instead of running them.
type fakeExec struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]error // first arg -> error
}

func (f *fakeExec) Run(_ context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{dir}, args...))
	if f.fail != nil {
		if err, ok := f.fail[args[0]]; ok {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c[1:], " ")
	}
	return out
}

// repoDir creates a directory that passes the .git presence check.
func repoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestAcquireCreatesBranchedWorktree(t *testing.T) {
	exec := &fakeExec{}
	root := t.TempDir()
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: root})
	repo := repoDir(t)

	lease, err := c.Acquire(context.Background(), repo, "proto-1", "0001-fix-login", "main")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.BranchName != "0001-fix-login" {
		t.Fatalf("branch = %s", lease.BranchName)
	}
	if lease.WorktreePath != filepath.Join(root, "proto-1") {
		t.Fatalf("worktree path = %s", lease.WorktreePath)
	}

	cmds := exec.commands()
	if len(cmds) != 2 {
		t.Fatalf("expected fetch + worktree add, got %v", cmds)
	}
	if cmds[0] != "fetch origin" {
		t.Fatalf("first command = %q", cmds[0])
	}
	if !strings.HasPrefix(cmds[1], "worktree add -b 0001-fix-login") || !strings.HasSuffix(cmds[1], "origin/main") {
		t.Fatalf("second command = %q", cmds[1])
	}
}

func TestAcquireIsIdempotentPerProtocol(t *testing.T) {
	exec := &fakeExec{}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: t.TempDir()})
	repo := repoDir(t)

	first, err := c.Acquire(context.Background(), repo, "proto-1", "0001-x", "main")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := c.Acquire(context.Background(), repo, "proto-1", "0001-x", "main")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if *first != *second {
		t.Fatalf("re-acquire returned a different lease: %+v vs %+v", first, second)
	}
	if n := len(exec.commands()); n != 2 {
		t.Fatalf("re-acquire ran git again: %d calls", n)
	}
}

func TestAcquireRefusesTakenBranch(t *testing.T) {
	exec := &fakeExec{}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: t.TempDir()})
	repo := repoDir(t)

	if _, err := c.Acquire(context.Background(), repo, "proto-1", "0001-x", "main"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err := c.Acquire(context.Background(), repo, "proto-2", "0001-x", "main")
	if !errors.Is(err, git.ErrWorktreeTaken) {
		t.Fatalf("err = %v, want ErrWorktreeTaken", err)
	}
}

func TestAcquireMissingRepoWithoutAutoClone(t *testing.T) {
	exec := &fakeExec{}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: t.TempDir()})

	_, err := c.Acquire(context.Background(), filepath.Join(t.TempDir(), "absent"), "proto-1", "0001-x", "main")
	if !errors.Is(err, git.ErrRepoMissing) {
		t.Fatalf("err = %v, want ErrRepoMissing", err)
	}
}

func TestAcquireAutoClones(t *testing.T) {
	exec := &fakeExec{}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{
		WorktreeRoot: t.TempDir(),
		AutoClone:    true,
		RemoteURL:    "https://example.com/repo.git",
	})

	_, err := c.Acquire(context.Background(), filepath.Join(t.TempDir(), "absent"), "proto-1", "0001-x", "main")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cmds := exec.commands()
	if len(cmds) == 0 || !strings.HasPrefix(cmds[0], "clone https://example.com/repo.git") {
		t.Fatalf("expected clone first, got %v", cmds)
	}
}

func TestAcquireFailureFreesBranchName(t *testing.T) {
	exec := &fakeExec{fail: map[string]error{"fetch": errors.New("network down")}}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: t.TempDir()})
	repo := repoDir(t)

	if _, err := c.Acquire(context.Background(), repo, "proto-1", "0001-x", "main"); err == nil {
		t.Fatal("expected fetch failure")
	}

	// The branch name must be reusable after the failed acquire.
	exec.fail = nil
	if _, err := c.Acquire(context.Background(), repo, "proto-2", "0001-x", "main"); err != nil {
		t.Fatalf("branch not freed after failure: %v", err)
	}
}

func TestReleaseRemovesWorktreeAndLease(t *testing.T) {
	exec := &fakeExec{}
	c := git.NewCoordinator(exec, git.CoordinatorConfig{WorktreeRoot: t.TempDir()})
	repo := repoDir(t)

	if _, err := c.Acquire(context.Background(), repo, "proto-1", "0001-x", "main"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Release(context.Background(), repo, "proto-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := c.Lease("proto-1"); ok {
		t.Fatal("lease survived release")
	}

	found := false
	for _, cmd := range exec.commands() {
		if strings.HasPrefix(cmd, "worktree remove --force") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no worktree remove in %v", exec.commands())
	}

	// Releasing an unknown protocol is a no-op.
	if err := c.Release(context.Background(), repo, "proto-unknown"); err != nil {
		t.Fatalf("Release unknown: %v", err)
	}
}
