package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalSandboxProvider is the default/dev SandboxProvider: for a "local"
// workspace source with a path it points directly at that path;
// otherwise it creates an empty directory BaseDir/<id> (no workspace
// content is copied into it) and removes it on Destroy. It is NOT an isolation
// boundary — real sandboxing policy is delegated per spec §1 — only a
// runnable stand-in so the rest of the orchestrator has something to
// exercise locally.
type LocalSandboxProvider struct {
	BaseDir string
}

// CreateSandbox implements SandboxProvider.
func (p *LocalSandboxProvider) CreateSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	id := uuid.NewString()

	if cfg.Workspace.Kind == "local" && cfg.Workspace.Path != "" {
		return &Sandbox{ID: id, Path: cfg.Workspace.Path}, nil
	}

	dir := filepath.Join(p.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localsandbox: create %s: %w", dir, err)
	}
	return &Sandbox{ID: id, Path: dir}, nil
}

// DestroySandbox implements SandboxProvider. It is idempotent: removing
// an already-removed or never-materialized path is not an error.
func (p *LocalSandboxProvider) DestroySandbox(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	if p.BaseDir == "" || !isWithin(p.BaseDir, sb.Path) {
		// Sandbox pointed directly at a caller-owned local workspace;
		// nothing to clean up.
		return nil
	}
	if err := os.RemoveAll(sb.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localsandbox: destroy %s: %w", sb.Path, err)
	}
	return nil
}

func isWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
