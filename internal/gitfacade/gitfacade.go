// Package gitfacade implements §4.1 GitFacade: the narrow set of host-VCS
// operations RunLifecycle and TreeOps need (commit, tag, delete-tag,
// rev-list, .gitignore mutation). It shells out to the real git binary via
// internal/procexec rather than reimplementing plumbing in-process — the
// same approach the original Python tool takes, and the one the design
// notes call for (a ProcessLauncher seam, substituted with a fake in tests)
// generalized from the ad-hoc os/exec calls in the teacher's
// repomanager/clone.go.
package gitfacade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/procexec"
)

// Facade operates git commands rooted at RepoPath using Launcher.
type Facade struct {
	RepoPath string
	Launcher procexec.Launcher
}

// New constructs a Facade for the repository at repoPath.
func New(repoPath string, launcher procexec.Launcher) *Facade {
	return &Facade{RepoPath: repoPath, Launcher: launcher}
}

func (f *Facade) run(ctx context.Context, args ...string) (procexec.Result, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	spec := procexec.Spec{
		Command: "git " + strings.Join(quoted, " "),
		Dir:     f.RepoPath,
		Env:     procexec.MinimalEnv(),
	}
	return f.Launcher.Run(ctx, spec)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WorkingTreeClean reports whether the worktree has no staged, unstaged, or
// untracked changes relative to HEAD.
func (f *Facade) WorkingTreeClean(ctx context.Context) (bool, error) {
	res, err := f.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, outcome.Wrap(outcome.KindInternal, err, "git status")
	}
	return strings.TrimSpace(string(res.Stdout)) == "", nil
}

// CommitAll stages every modified and untracked file not covered by ignore
// rules and commits with message, returning the new commit's SHA. If there
// is nothing to commit, it fails unless allowEmpty is true.
func (f *Facade) CommitAll(ctx context.Context, message string, allowEmpty bool) (string, error) {
	if _, err := f.run(ctx, "add", "-A"); err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "git add -A")
	}

	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	res, err := f.run(ctx, args...)
	if err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "git commit")
	}
	if res.ExitCode != 0 {
		return "", outcome.New(outcome.KindDirty, "nothing to commit: %s", strings.TrimSpace(string(res.Stdout)))
	}
	return f.Head(ctx)
}

// Head returns the SHA that HEAD currently points at.
func (f *Facade) Head(ctx context.Context) (string, error) {
	res, err := f.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "git rev-parse HEAD")
	}
	if res.ExitCode != 0 {
		return "", outcome.New(outcome.KindInternal, "rev-parse HEAD failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ResetTo performs a hard reset of HEAD to sha, used by ROLLBACK to undo a
// self-deleting commit.
func (f *Facade) ResetTo(ctx context.Context, sha string) error {
	res, err := f.run(ctx, "reset", "--hard", sha)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "git reset --hard %s", sha)
	}
	if res.ExitCode != 0 {
		return outcome.New(outcome.KindInternal, "reset --hard %s failed: %s", sha, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Tag creates a lightweight tag named name pointing at sha. It fails typed
// TagExists if the name is already in use, regardless of which commit it
// points at — callers must delete first.
func (f *Facade) Tag(ctx context.Context, name, sha string) error {
	res, err := f.run(ctx, "tag", name, sha)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "git tag %s %s", name, sha)
	}
	if res.ExitCode != 0 {
		return outcome.New(outcome.KindTagExists, "tag %q already exists", name)
	}
	return nil
}

// DeleteTag removes a tag. Deleting a non-existent tag is a no-op.
func (f *Facade) DeleteTag(ctx context.Context, name string) error {
	res, err := f.run(ctx, "tag", "-d", name)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "git tag -d %s", name)
	}
	_ = res // non-existent tag deletion failure is not actionable
	return nil
}

// TagSHA returns the commit SHA the named tag points at, or "" if the tag
// does not exist.
func (f *Facade) TagSHA(ctx context.Context, name string) (string, error) {
	res, err := f.run(ctx, "rev-list", "-n", "1", name, "--")
	if err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "git rev-list %s", name)
	}
	if res.ExitCode != 0 {
		return "", nil
	}
	sha := strings.TrimSpace(string(res.Stdout))
	if sha == "" {
		return "", nil
	}
	return sha, nil
}

// AddIgnore appends path to the repo-root .gitignore, idempotently. A path
// under a subdirectory is written as a "/"-anchored entry relative to repo
// root, matching git's own anchoring convention.
func (f *Facade) AddIgnore(path string) error {
	giPath := filepath.Join(f.RepoPath, ".gitignore")

	rel := filepath.ToSlash(path)
	entry := rel
	if strings.Contains(rel, "/") {
		entry = "/" + rel
	}

	existing, err := os.ReadFile(giPath) //nolint:gosec // repo-controlled path
	if err != nil && !os.IsNotExist(err) {
		return outcome.Wrap(outcome.KindInternal, err, "read .gitignore")
	}

	lines := strings.Split(string(existing), "\n")
	for _, l := range lines {
		if strings.TrimSpace(l) == entry {
			return nil // already present, idempotent no-op
		}
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"

	if err := os.WriteFile(giPath, []byte(content), 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write .gitignore")
	}
	return nil
}

// Init runs "git init" in RepoPath, used by tests that need a scratch repo.
func (f *Facade) Init(ctx context.Context) error {
	_, err := f.run(ctx, "init")
	if err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	return nil
}
