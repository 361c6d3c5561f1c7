package localexec_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/Maestro/internal/adapter/localexec"
	"github.com/Strob0t/Maestro/internal/port/agent"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available in test environment", name)
	}
}

// script writes an executable shell script and returns its path. LookPath
// accepts paths containing a separator directly, so the script can stand in
// for an engine binary.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecuteCapturesStdoutToPrimary(t *testing.T) {
	requireTool(t, "cat")
	a := localexec.New("fake", map[string]string{"binary": "cat"})

	work := t.TempDir()
	primary := filepath.Join(work, "out", "primary.txt")
	res, err := a.Execute(context.Background(), agent.Invocation{
		WorkDir:       work,
		Prompt:        "implement the login fix",
		PromptVersion: "implement-step@abc123",
		Outputs:       agent.OutputTargets{Primary: primary},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusOK {
		t.Fatalf("status = %s: %+v", res.Status, res.Err)
	}
	if res.PromptVersion != "implement-step@abc123" {
		t.Fatalf("prompt version = %q", res.PromptVersion)
	}

	// cat echoes the stdin prompt, so the primary output carries it.
	body, err := os.ReadFile(primary)
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	if string(body) != "implement the login fix" {
		t.Fatalf("primary = %q", string(body))
	}
	if res.StdoutBytes != int64(len(body)) {
		t.Fatalf("stdout bytes = %d, want %d", res.StdoutBytes, len(body))
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	a := localexec.New("ghost", map[string]string{"binary": "definitely-not-installed-anywhere"})

	res, err := a.Execute(context.Background(), agent.Invocation{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusPermanentError {
		t.Fatalf("status = %s, want permanent", res.Status)
	}
	if res.Err == nil || res.Err.Class != "engine_missing" {
		t.Fatalf("err = %+v, want engine_missing", res.Err)
	}
}

func TestExecuteNonZeroExitIsPermanent(t *testing.T) {
	requireTool(t, "sh")
	a := localexec.New("fake", map[string]string{"binary": script(t, "echo 'bad prompt' >&2; exit 1")})

	res, err := a.Execute(context.Background(), agent.Invocation{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusPermanentError {
		t.Fatalf("status = %s, want permanent", res.Status)
	}
	if res.Err == nil || !strings.Contains(res.Err.Message, "bad prompt") {
		t.Fatalf("err = %+v, want first stderr line", res.Err)
	}
}

func TestExecuteTempfailExitIsTransient(t *testing.T) {
	requireTool(t, "sh")
	a := localexec.New("fake", map[string]string{"binary": script(t, "exit 75")})

	res, err := a.Execute(context.Background(), agent.Invocation{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != agent.StatusTransientError {
		t.Fatalf("status = %s, want transient for EX_TEMPFAIL", res.Status)
	}
}

func TestExecuteCancellation(t *testing.T) {
	requireTool(t, "sleep")
	a := localexec.New("fake", map[string]string{"binary": "sleep", "args": "10"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Execute(ctx, agent.Invocation{WorkDir: t.TempDir()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not terminate the process promptly")
	}
}

func TestRegister(t *testing.T) {
	localexec.Register("localexec-test-engine")

	ad, err := agent.New("localexec-test-engine", map[string]string{"binary": "cat"})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if ad.Name() != "localexec-test-engine" {
		t.Fatalf("name = %q", ad.Name())
	}
}
