// Package artifactstore implements §4.2 ArtifactStore: staging, the
// ignore-filtered publish step, and the dated/latest symlink views.
package artifactstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwoods/git-results/internal/outcome"
)

// Store operates a results tree rooted at ResultsRoot (e.g. "<repo>/results").
type Store struct {
	ResultsRoot string
}

// New constructs a Store rooted at resultsRoot.
func New(resultsRoot string) *Store {
	return &Store{ResultsRoot: resultsRoot}
}

func (s *Store) tmpRoot() string {
	return filepath.Join(s.ResultsRoot, ".tmp")
}

// NewStaging creates a fresh staging directory inside <resultsRoot>/.tmp/
// with a unique name and returns its path.
func (s *Store) NewStaging() (string, error) {
	if err := os.MkdirAll(s.tmpRoot(), 0o755); err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "mkdir staging root")
	}
	name := uuid.NewString()
	path := filepath.Join(s.tmpRoot(), name)
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "mkdir staging dir")
	}
	return path, nil
}

// RemoveStaging deletes a staging directory tree; called after DONE or
// ROLLBACK to satisfy the "no directory remains under .tmp/" invariant.
func (s *Store) RemoveStaging(staging string) error {
	if staging == "" {
		return nil
	}
	if err := os.RemoveAll(staging); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "remove staging dir")
	}
	return nil
}

// ImportExtra copies a file from outside the staging area into it under
// stagedName, used for -x src:name imports configured for the run.
func (s *Store) ImportExtra(localPath, staging, stagedName string) error {
	dst := filepath.Join(staging, stagedName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir for extra import")
	}
	return copyPreservingLinks(localPath, dst)
}

// PublishOptions configures a Publish call.
type PublishOptions struct {
	IgnoreRules []string
	IgnoreExt   []string
	// InPlace, when true, additionally moves the files named in
	// ResultFiles out of WorkTreeSrc (the repo working tree, since the run
	// executed with cwd there instead of staging) on top of whatever
	// landed in the staging directory (stdout, stderr, the message file).
	InPlace     bool
	ResultFiles []string
	WorkTreeSrc string
}

// Publish moves every file out of staging into <targetPath><suffix>,
// honoring ignore rules. Files that fail to rename are left under
// staging/git-results-tmp/<orig>, and a line is appended to the published
// stderr describing the failure; leftover files there force the caller to
// treat the run as failed, per spec §4.2.
func (s *Store) Publish(staging, targetPath, suffix string, opts PublishOptions) (published string, unstagedRemain bool, err error) {
	published = targetPath + suffix
	if err := os.MkdirAll(filepath.Dir(published), 0o755); err != nil {
		return "", false, outcome.Wrap(outcome.KindInternal, err, "mkdir publish parent")
	}
	if err := os.MkdirAll(published, 0o755); err != nil {
		return "", false, outcome.Wrap(outcome.KindInternal, err, "mkdir publish dir")
	}

	matcher := newIgnoreMatcher(opts.IgnoreRules, opts.IgnoreExt)

	unstagedRemain, err = publishStaging(staging, published, matcher)
	if err != nil {
		return published, unstagedRemain, err
	}

	if opts.InPlace {
		inPlaceUnstaged, err := publishInPlace(opts.WorkTreeSrc, published, opts.ResultFiles, matcher)
		if err != nil {
			return published, unstagedRemain, err
		}
		unstagedRemain = unstagedRemain || inPlaceUnstaged
	}

	return published, unstagedRemain, nil
}

func publishStaging(staging, published string, matcher *ignoreMatcher) (bool, error) {
	unstagedDir := filepath.Join(staging, "git-results-tmp")
	unstagedAny := false

	walkErr := filepath.WalkDir(staging, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == staging {
			return nil
		}
		rel, relErr := filepath.Rel(staging, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "git-results-tmp") {
			return nil
		}
		if d.IsDir() {
			return nil // descend; files are individually moved below
		}
		if matcher.isIgnored(rel) {
			return nil
		}

		dst := filepath.Join(published, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := moveOrCopyLink(path, dst); err != nil {
			if mkErr := os.MkdirAll(filepath.Dir(filepath.Join(unstagedDir, rel)), 0o755); mkErr == nil {
				_ = moveOrCopyLink(path, filepath.Join(unstagedDir, rel))
			}
			appendStderrNote(published, fmt.Sprintf("failed to publish %s: %v\n", rel, err))
			unstagedAny = true
		}
		return nil
	})
	if walkErr != nil {
		return unstagedAny, outcome.Wrap(outcome.KindInternal, walkErr, "walk staging")
	}

	if entries, err := os.ReadDir(unstagedDir); err == nil && len(entries) > 0 {
		unstagedAny = true
	}

	return unstagedAny, nil
}

// publishInPlace moves the configured result files out of the repo working
// tree (src) into published, on top of whatever publishStaging already
// moved in — the in-place (-i) mode supplemented from the original tool.
func publishInPlace(src, published string, resultFiles []string, matcher *ignoreMatcher) (bool, error) {
	unstagedAny := false
	for _, name := range resultFiles {
		name = strings.TrimSpace(name)
		if name == "" || matcher.isIgnored(name) {
			continue
		}
		srcPath := filepath.Join(src, name)
		if _, err := os.Lstat(srcPath); err != nil {
			continue // result file wasn't produced this run
		}
		dst := filepath.Join(published, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return unstagedAny, outcome.Wrap(outcome.KindInternal, err, "mkdir in-place dest")
		}
		if err := moveOrCopyLink(srcPath, dst); err != nil {
			appendStderrNote(published, fmt.Sprintf("failed to publish %s: %v\n", name, err))
			unstagedAny = true
		}
	}
	return unstagedAny, nil
}

func appendStderrNote(published, note string) {
	f, err := os.OpenFile(filepath.Join(published, "stderr"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(note)
}

// moveOrCopyLink renames src to dst, preserving symlinks verbatim (both
// relative and absolute targets) rather than resolving them — the
// test_copyLink behavior supplemented from the original tool.
func moveOrCopyLink(src, dst string) error {
	if info, err := os.Lstat(src); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Symlink(target, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyPreservingLinks(src, dst)
}

func copyPreservingLinks(src, dst string) error {
	if info, err := os.Lstat(src); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src) //nolint:gosec // path constructed from staging/import config
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// PublishDatedAndLatest creates or replaces the "dated" and "latest"
// symlink views for a published instance. experiment is the
// results-root-relative experiment path (e.g. "test/run"); failed marks
// whether the latest name should carry the "-fail" suffix.
func (s *Store) PublishDatedAndLatest(publishedPath, experiment string, when time.Time, failed bool) error {
	datedParent := filepath.Join(s.ResultsRoot, "dated", when.Format("2006"), when.Format("01"))
	datedName := when.Format("02") + "-" + experiment
	if err := relinkDir(datedParent, datedName, publishedPath); err != nil {
		return err
	}

	latestDir := filepath.Join(s.ResultsRoot, "latest")
	name := experiment
	if failed {
		name += "-fail"
	}
	if err := relinkDir(latestDir, name, publishedPath); err != nil {
		return err
	}
	// When a run fails, a stale non-suffixed "latest" symlink must not
	// linger, and vice versa.
	other := experiment
	if !failed {
		other += "-fail"
	}
	_ = os.Remove(filepath.Join(latestDir, other))

	return nil
}

func relinkDir(parent, relName, target string) error {
	link := filepath.Join(parent, relName)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir symlink parent")
	}
	_ = os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "create symlink")
	}
	return nil
}
