package gatecmd_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/Maestro/internal/adapter/gatecmd"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available in test environment", name)
	}
}

func TestRunPassingGate(t *testing.T) {
	requireTool(t, "true")
	r := gatecmd.New(map[string][]string{"ok": {"true"}})

	res := r.Run(context.Background(), "ok", t.TempDir())
	if !res.Passed || res.Skipped {
		t.Fatalf("result = %+v, want passed", res)
	}
}

func TestRunFailingGateCapturesOutput(t *testing.T) {
	requireTool(t, "sh")
	r := gatecmd.New(map[string][]string{"bad": {"sh", "-c", "echo lint error here; exit 1"}})

	res := r.Run(context.Background(), "bad", t.TempDir())
	if res.Passed || res.Skipped {
		t.Fatalf("result = %+v, want failed", res)
	}
	if len(res.Findings) != 1 || res.Findings[0].Code != "gate_failed" {
		t.Fatalf("findings = %+v", res.Findings)
	}
	if !strings.Contains(res.Findings[0].Message, "lint error here") {
		t.Fatalf("finding message %q lost command output", res.Findings[0].Message)
	}
}

func TestRunUnknownGateSkips(t *testing.T) {
	r := gatecmd.New(nil)

	res := r.Run(context.Background(), "bespoke-gate", t.TempDir())
	if !res.Skipped {
		t.Fatalf("result = %+v, want skipped", res)
	}
	if res.Reason != "no command configured" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestRunMissingToolSkips(t *testing.T) {
	r := gatecmd.New(map[string][]string{"lint": {"definitely-not-installed-anywhere"}})

	res := r.Run(context.Background(), "lint", t.TempDir())
	if !res.Skipped {
		t.Fatalf("result = %+v, want skipped when the tool is absent", res)
	}
}

func TestRunTimeout(t *testing.T) {
	requireTool(t, "sleep")
	r := gatecmd.New(map[string][]string{"slow": {"sleep", "10"}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := r.Run(ctx, "slow", t.TempDir())
	if res.Passed || res.Skipped {
		t.Fatalf("result = %+v, want failed", res)
	}
	if len(res.Findings) != 1 || res.Findings[0].Code != "gate_timeout" {
		t.Fatalf("findings = %+v, want gate_timeout", res.Findings)
	}
}

func TestOverridesReplaceDefaults(t *testing.T) {
	requireTool(t, "true")
	// "build" defaults to make; the override must win.
	r := gatecmd.New(map[string][]string{"build": {"true"}})

	res := r.Run(context.Background(), "build", t.TempDir())
	if !res.Passed {
		t.Fatalf("result = %+v, want passed via override", res)
	}
}
