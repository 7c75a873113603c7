package tagindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wwoods/git-results/internal/outcome"
)

func TestAppendCreatesDirAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test", "run")

	if err := Append(dir, 1, StatusOK, "Let's see if it prints"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "INDEX"))
	if err != nil {
		t.Fatalf("read INDEX: %v", err)
	}
	want := "1 (  ok) - Let's see if it prints\n"
	if string(got) != want {
		t.Fatalf("INDEX = %q, want %q", got, want)
	}
}

func TestAppendSanitizesMultilineMessage(t *testing.T) {
	dir := t.TempDir()
	if err := Append(dir, 1, StatusFail, "line one\nline two\r\nline three"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e, err := Read(dir, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if e.Message != "line one line two  line three" {
		t.Fatalf("Message = %q", e.Message)
	}
}

func TestReadReturnsLatestOfDuplicateN(t *testing.T) {
	dir := t.TempDir()
	_ = Append(dir, 1, StatusOK, "first")
	_ = Append(dir, 1, StatusMove, "moved later")

	e, err := Read(dir, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if e.Status != StatusMove || e.Message != "moved later" {
		t.Fatalf("Read returned %+v, want the last-written entry", e)
	}
}

func TestReadNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(dir, 5)
	if outcome.KindOf(err) != outcome.KindNotFound {
		t.Fatalf("Read on missing entry: KindOf = %v, want NotFound", outcome.KindOf(err))
	}
}

func TestRewriteOverwritesLatestMatchInPlace(t *testing.T) {
	dir := t.TempDir()
	_ = Append(dir, 1, StatusOK, "first")
	_ = Append(dir, 2, StatusOK, "second")

	if err := Rewrite(dir, 1, StatusMove, "moved to elsewhere"); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	e1, err := Read(dir, 1)
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	if e1.Status != StatusMove || e1.Message != "moved to elsewhere" {
		t.Fatalf("Read(1) = %+v", e1)
	}

	e2, err := Read(dir, 2)
	if err != nil {
		t.Fatalf("Read(2): %v", err)
	}
	if e2.Status != StatusOK || e2.Message != "second" {
		t.Fatalf("Rewrite disturbed an unrelated line: %+v", e2)
	}
}

func TestRewriteMissingEntryIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_ = Append(dir, 1, StatusOK, "only entry")

	err := Rewrite(dir, 9, StatusFail, "no such N")
	if outcome.KindOf(err) != outcome.KindNotFound {
		t.Fatalf("Rewrite on missing N: KindOf = %v, want NotFound", outcome.KindOf(err))
	}
}

func TestNextNumberAccountsForDirsAndIndexAndSuffixes(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1", "2-fail", "4-manual-retry"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatalf("Mkdir %s: %v", name, err)
		}
	}
	_ = Append(dir, 7, StatusGone, "never materialized a directory")

	n, err := NextNumber(dir)
	if err != nil {
		t.Fatalf("NextNumber: %v", err)
	}
	if n != 8 {
		t.Fatalf("NextNumber = %d, want 8", n)
	}
}

func TestNextNumberOnFreshExperimentDirIsOne(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	n, err := NextNumber(dir)
	if err != nil {
		t.Fatalf("NextNumber: %v", err)
	}
	if n != 1 {
		t.Fatalf("NextNumber = %d, want 1", n)
	}
}

func TestNextNumberSurvivesManuallyRemovedDirectories(t *testing.T) {
	dir := t.TempDir()
	_ = Append(dir, 1, StatusOK, "ok")
	_ = Append(dir, 2, StatusOK, "ok")
	// Instance directories never created here, mirroring manual removal;
	// INDEX alone must still account for them.
	n, err := NextNumber(dir)
	if err != nil {
		t.Fatalf("NextNumber: %v", err)
	}
	if n != 3 {
		t.Fatalf("NextNumber = %d, want 3", n)
	}
}
