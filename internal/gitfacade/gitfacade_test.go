package gitfacade

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/procexec"
)

func newTestRepo(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	f := New(dir, procexec.Real{})
	ctx := context.Background()
	if err := f.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := f.run(ctx, "config", "user.email", "test@example.com"); err != nil {
		t.Fatalf("git config user.email: %v", err)
	}
	if _, err := f.run(ctx, "config", "user.name", "Test"); err != nil {
		t.Fatalf("git config user.name: %v", err)
	}
	return f
}

func writeFile(t *testing.T, repoPath, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repoPath, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestWorkingTreeCleanAndDirty(t *testing.T) {
	f := newTestRepo(t)
	ctx := context.Background()

	clean, err := f.WorkingTreeClean(ctx)
	if err != nil {
		t.Fatalf("WorkingTreeClean: %v", err)
	}
	if !clean {
		t.Fatalf("fresh repo should be clean")
	}

	writeFile(t, f.RepoPath, "a.txt", "hello")
	clean, err = f.WorkingTreeClean(ctx)
	if err != nil {
		t.Fatalf("WorkingTreeClean: %v", err)
	}
	if clean {
		t.Fatalf("repo with untracked file should be dirty")
	}
}

func TestCommitAllAndHead(t *testing.T) {
	f := newTestRepo(t)
	ctx := context.Background()
	writeFile(t, f.RepoPath, "a.txt", "hello")

	sha, err := f.CommitAll(ctx, "add a.txt", false)
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if sha == "" {
		t.Fatalf("CommitAll returned empty sha")
	}

	head, err := f.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != sha {
		t.Fatalf("Head() = %q, want %q", head, sha)
	}

	clean, err := f.WorkingTreeClean(ctx)
	if err != nil {
		t.Fatalf("WorkingTreeClean: %v", err)
	}
	if !clean {
		t.Fatalf("repo should be clean after commit")
	}
}

func TestCommitAllNothingToCommitIsDirty(t *testing.T) {
	f := newTestRepo(t)
	ctx := context.Background()
	writeFile(t, f.RepoPath, "a.txt", "hello")
	if _, err := f.CommitAll(ctx, "initial", false); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	_, err := f.CommitAll(ctx, "nothing changed", false)
	if outcome.KindOf(err) != outcome.KindDirty {
		t.Fatalf("KindOf(err) = %v, want KindDirty", outcome.KindOf(err))
	}
}

func TestResetToUndoesCommit(t *testing.T) {
	f := newTestRepo(t)
	ctx := context.Background()
	writeFile(t, f.RepoPath, "a.txt", "hello")
	before, err := f.CommitAll(ctx, "before", false)
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	writeFile(t, f.RepoPath, "b.txt", "world")
	if _, err := f.CommitAll(ctx, "after", false); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	if err := f.ResetTo(ctx, before); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}
	head, err := f.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != before {
		t.Fatalf("Head() after ResetTo = %q, want %q", head, before)
	}
	if _, err := os.Stat(filepath.Join(f.RepoPath, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("b.txt should have been removed by the hard reset")
	}
}

func TestTagLifecycle(t *testing.T) {
	f := newTestRepo(t)
	ctx := context.Background()
	writeFile(t, f.RepoPath, "a.txt", "hello")
	sha, err := f.CommitAll(ctx, "initial", false)
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	if err := f.Tag(ctx, "results/test/run/1", sha); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	got, err := f.TagSHA(ctx, "results/test/run/1")
	if err != nil {
		t.Fatalf("TagSHA: %v", err)
	}
	if got != sha {
		t.Fatalf("TagSHA = %q, want %q", got, sha)
	}

	err = f.Tag(ctx, "results/test/run/1", sha)
	if outcome.KindOf(err) != outcome.KindTagExists {
		t.Fatalf("re-tagging should fail typed TagExists, got %v", err)
	}

	if err := f.DeleteTag(ctx, "results/test/run/1"); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
	got, err = f.TagSHA(ctx, "results/test/run/1")
	if err != nil {
		t.Fatalf("TagSHA after delete: %v", err)
	}
	if got != "" {
		t.Fatalf("TagSHA after delete = %q, want empty", got)
	}
}

func TestTagSHAMissingTagIsEmpty(t *testing.T) {
	f := newTestRepo(t)
	sha, err := f.TagSHA(context.Background(), "no/such/tag")
	if err != nil {
		t.Fatalf("TagSHA: %v", err)
	}
	if sha != "" {
		t.Fatalf("TagSHA(missing) = %q, want empty", sha)
	}
}

func TestAddIgnoreIsIdempotentAndAnchorsSubdirs(t *testing.T) {
	f := newTestRepo(t)

	if err := f.AddIgnore("results"); err != nil {
		t.Fatalf("AddIgnore: %v", err)
	}
	if err := f.AddIgnore("results/sub"); err != nil {
		t.Fatalf("AddIgnore: %v", err)
	}
	if err := f.AddIgnore("results"); err != nil {
		t.Fatalf("AddIgnore (repeat): %v", err)
	}

	content, err := os.ReadFile(filepath.Join(f.RepoPath, ".gitignore"))
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	got := string(content)
	wantLines := []string{"results", "/results/sub"}
	for _, w := range wantLines {
		if !contains(got, w) {
			t.Fatalf(".gitignore = %q, want it to contain %q", got, w)
		}
	}
	if countOccurrences(got, "results\n") != 1 {
		t.Fatalf("AddIgnore(\"results\") should not duplicate the entry: %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
