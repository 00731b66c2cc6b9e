package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/hivebase/hive/internal/config"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func commitFile(t *testing.T, dir, branch, name, content string) {
	t.Helper()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("checkout", branch)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "update "+name)
}

func TestCreateBranch(t *testing.T) {
	dir := newTestRepo(t)
	g := New(config.GitConfig{})
	ctx := context.Background()

	if err := g.CreateBranch(ctx, dir, "main", "agent/researcher"); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	// Second creation of the same branch must fail.
	if err := g.CreateBranch(ctx, dir, "main", "agent/researcher"); err == nil {
		t.Fatal("expected duplicate branch creation to fail")
	}
}

func TestMergeClean(t *testing.T) {
	dir := newTestRepo(t)
	g := New(config.GitConfig{})
	ctx := context.Background()

	if err := g.CreateBranch(ctx, dir, "main", "agent/a"); err != nil {
		t.Fatal(err)
	}
	commitFile(t, dir, "agent/a", "a.txt", "from a\n")

	res, err := g.MergeBranch(ctx, dir, "agent/a", "main", FFNo, "merge agent/a")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected clean merge, got conflicts %v: %s", res.ConflictFiles, res.Output)
	}

	branch, err := g.CurrentBranch(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Errorf("expected to end on main, got %s", branch)
	}
}

func TestMergeConflictAborts(t *testing.T) {
	dir := newTestRepo(t)
	g := New(config.GitConfig{})
	ctx := context.Background()

	if err := g.CreateBranch(ctx, dir, "main", "agent/a"); err != nil {
		t.Fatal(err)
	}
	commitFile(t, dir, "agent/a", "README.md", "agent version\n")
	commitFile(t, dir, "main", "README.md", "main version\n")

	res, err := g.MergeBranch(ctx, dir, "agent/a", "main", FFAuto, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Success {
		t.Fatal("expected conflicted merge")
	}
	if len(res.ConflictFiles) != 1 || res.ConflictFiles[0] != "README.md" {
		t.Errorf("expected README.md conflict, got %v", res.ConflictFiles)
	}

	// The merge must have been aborted: a second merge attempt on a
	// clean tree still runs (and conflicts again).
	res2, err := g.MergeBranch(ctx, dir, "agent/a", "main", FFAuto, "")
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if res2.Success {
		t.Fatal("expected second merge to conflict too")
	}
}

func TestMergeMissingDirErrors(t *testing.T) {
	g := New(config.GitConfig{})
	if _, err := g.MergeBranch(context.Background(), "/nonexistent/repo", "a", "main", FFAuto, ""); err == nil {
		t.Fatal("expected error for missing working dir")
	}
}
