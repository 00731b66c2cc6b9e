// Package gitops isolates agent work on git branches: one branch per
// agent at swarm start, merged back on demand after the swarm ends.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hivebase/hive/internal/config"
)

// Fast-forward policies for MergeBranch.
const (
	FFAuto = "auto"
	FFOnly = "only"
	FFNo   = "no"
)

// MergeResult is the outcome of a merge attempt. A conflicted merge is
// an expected condition, reported here rather than as an error; errors
// are reserved for infrastructure failures.
type MergeResult struct {
	Success       bool     `json:"success"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
	Output        string   `json:"output,omitempty"`
}

type Git struct {
	timeout time.Duration
}

func New(cfg config.GitConfig) *Git {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Git{timeout: timeout}
}

// CreateBranch creates name from base in dir. Creating a branch that
// already exists is an error so two agents can never share one.
func (g *Git) CreateBranch(ctx context.Context, dir, base, name string) error {
	if err := checkDir(dir); err != nil {
		return err
	}

	exists, err := g.branchExists(ctx, dir, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("branch %s already exists", name)
	}

	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	if out, err := g.run(ctx, dir, args...); err != nil {
		return fmt.Errorf("create branch %s: %s: %w", name, strings.TrimSpace(out), err)
	}
	return nil
}

// MergeBranch checks out target and merges source into it with the
// given fast-forward policy. On conflict the merge is aborted so the
// tree is left clean, and the conflicting files are reported.
func (g *Git) MergeBranch(ctx context.Context, dir, source, target, ffPolicy, message string) (*MergeResult, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	if out, err := g.run(ctx, dir, "checkout", target); err != nil {
		return nil, fmt.Errorf("checkout %s: %s: %w", target, strings.TrimSpace(out), err)
	}

	args := []string{"merge"}
	switch ffPolicy {
	case FFOnly:
		args = append(args, "--ff-only")
	case FFNo:
		args = append(args, "--no-ff")
	}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, source)

	out, err := g.run(ctx, dir, args...)
	if err == nil {
		return &MergeResult{Success: true, Output: out}, nil
	}

	conflicts, cerr := g.conflictedFiles(ctx, dir)
	if cerr != nil {
		return nil, cerr
	}
	if len(conflicts) == 0 {
		// Not a content conflict (unknown branch, ff-only refused).
		return &MergeResult{Success: false, Output: out}, nil
	}

	if aout, aerr := g.run(ctx, dir, "merge", "--abort"); aerr != nil {
		return nil, fmt.Errorf("abort merge: %s: %w", strings.TrimSpace(aout), aerr)
	}
	return &MergeResult{Success: false, ConflictFiles: conflicts, Output: out}, nil
}

// DeleteBranch force-deletes a branch.
func (g *Git) DeleteBranch(ctx context.Context, dir, name string) error {
	if out, err := g.run(ctx, dir, "branch", "-D", name); err != nil {
		return fmt.Errorf("delete branch %s: %s: %w", name, strings.TrimSpace(out), err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %s: %w", strings.TrimSpace(out), err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) branchExists(ctx context.Context, dir, name string) (bool, error) {
	out, err := g.run(ctx, dir, "branch", "--list", name)
	if err != nil {
		return false, fmt.Errorf("list branches: %s: %w", strings.TrimSpace(out), err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *Git) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %s: %w", strings.TrimSpace(out), err)
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("git %s timed out after %v", args[0], g.timeout)
	}
	return string(out), err
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working dir %s is not a directory", dir)
	}
	return nil
}
