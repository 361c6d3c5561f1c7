package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/spec"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// captureArtifacts inventories the step's declared outputs and snapshots the
// worktree's git state under {worktree}/.maestro/steps/{step_run_id}/artifacts.
// Capture is best effort: a missing output is skipped, not an error, so
// partial results from cancelled or failed steps survive.
func (o *Orchestrator) captureArtifacts(ctx context.Context, p *protocol.Run, r *step.Run, ss *spec.StepSpec) []step.Artifact {
	if p.WorktreePath == "" || ss == nil {
		return nil
	}
	dir := filepath.Join(p.WorktreePath, ".maestro", "steps", r.ID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("artifact dir", "step_run_id", r.ID, "error", err)
		return nil
	}

	var arts []step.Artifact
	if a, ok := fileArtifact("primary", worktreeAbs(p, ss.Outputs.Primary), "stdout"); ok {
		arts = append(arts, a)
	}
	for name, rel := range ss.Outputs.Aux {
		if a, ok := fileArtifact(name, worktreeAbs(p, rel), "aux"); ok {
			arts = append(arts, a)
		}
	}

	if status, err := o.worktree.StatusSnapshot(ctx, p.WorktreePath); err == nil {
		path := filepath.Join(dir, "git-status.txt")
		if werr := os.WriteFile(path, []byte(status), 0o644); werr == nil {
			if a, ok := fileArtifact("git-status", path, "git-status"); ok {
				arts = append(arts, a)
			}
		}
	}
	if diff := o.worktree.Diff(ctx, p.WorktreePath); diff != "" {
		path := filepath.Join(dir, "diff.patch")
		if werr := os.WriteFile(path, []byte(diff+"\n"), 0o644); werr == nil {
			if a, ok := fileArtifact("diff", path, "diff"); ok {
				arts = append(arts, a)
			}
		}
	}
	return arts
}

// fileArtifact hashes and sizes one file; ok is false when it does not exist.
func fileArtifact(name, path, kind string) (step.Artifact, bool) {
	if path == "" {
		return step.Artifact{}, false
	}
	f, err := os.Open(path)
	if err != nil {
		return step.Artifact{}, false
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return step.Artifact{}, false
	}
	return step.Artifact{
		Name:   name,
		Path:   path,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   size,
		Kind:   kind,
	}, true
}
