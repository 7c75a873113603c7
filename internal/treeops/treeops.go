// Package treeops implements §4.7 TreeOps: move and link operations over
// the results tree at both experiment and instance granularity, keeping
// tags, dated/latest views, and INDEX lines consistent with the relocated
// or duplicated filesystem state.
package treeops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/wwoods/git-results/internal/gitfacade"
	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/tagindex"
)

// Ops bundles the collaborators move/link need.
type Ops struct {
	ResultsRoot string
	Git         *gitfacade.Facade
}

// New constructs an Ops rooted at resultsRoot.
func New(resultsRoot string, git *gitfacade.Facade) *Ops {
	return &Ops{ResultsRoot: resultsRoot, Git: git}
}

var instanceMessageCommitRe = regexp.MustCompile(`(?m)^Commit: ([0-9a-fA-F]+)\s*$`)

// path describes a parsed tag path: either an experiment prefix or an
// instance (experiment + trailing integer N).
type path struct {
	raw        string
	experiment string
	n          int
	isInstance bool
}

func parsePath(resultsRoot, tagPath string) path {
	clean := strings.Trim(filepath.ToSlash(tagPath), "/")
	idx := strings.LastIndex(clean, "/")
	last := clean
	prefix := ""
	if idx >= 0 {
		last = clean[idx+1:]
		prefix = clean[:idx]
	}
	if n, err := strconv.Atoi(last); err == nil {
		return path{raw: clean, experiment: prefix, n: n, isInstance: true}
	}
	return path{raw: clean, experiment: clean}
}

func (p path) experimentDir(resultsRoot string) string {
	return filepath.Join(resultsRoot, filepath.FromSlash(p.experiment))
}

func (p path) instanceDir(resultsRoot string, suffix string) string {
	return filepath.Join(p.experimentDir(resultsRoot), fmt.Sprintf("%d%s", p.n, suffix))
}

// Move relocates src to dst, both experiment paths or both instance paths.
// Mixing granularity is Invalid; a missing src is NotFound; an existing dst
// is DestinationExists.
func (o *Ops) Move(ctx context.Context, src, dst string) error {
	return o.relocate(ctx, src, dst, false)
}

// Link duplicates src at dst, leaving src's files and tag untouched.
func (o *Ops) Link(ctx context.Context, src, dst string) error {
	return o.relocate(ctx, src, dst, true)
}

func (o *Ops) relocate(ctx context.Context, srcRaw, dstRaw string, link bool) error {
	src := parsePath(o.ResultsRoot, srcRaw)
	dst := parsePath(o.ResultsRoot, dstRaw)

	if src.isInstance != dst.isInstance {
		return outcome.New(outcome.KindInvalid, "src and dst must both be experiment paths or both instance paths")
	}

	if _, err := os.Stat(o.ResultsRoot); err != nil {
		return outcome.New(outcome.KindNotFound, "results root missing: %s", o.ResultsRoot)
	}

	if src.isInstance {
		return o.relocateInstance(ctx, src, dst, link)
	}
	return o.relocateExperiment(ctx, src, dst, link)
}

func (o *Ops) relocateExperiment(ctx context.Context, src, dst path, link bool) error {
	srcDir := src.experimentDir(o.ResultsRoot)
	if _, err := os.Stat(srcDir); err != nil {
		return outcome.New(outcome.KindNotFound, "no experiment under %s", src.raw)
	}
	dstDir := dst.experimentDir(o.ResultsRoot)
	if _, err := os.Stat(dstDir); err == nil {
		return outcome.New(outcome.KindDestinationExists, "%s already exists", dst.raw)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "read experiment dir")
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir dst experiment parent")
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir dst experiment")
	}

	for _, e := range entries {
		name := e.Name()
		if name == "INDEX" {
			continue
		}
		n, suffix, ok := parseInstanceName(name)
		if !ok {
			continue
		}

		srcInst := filepath.Join(srcDir, name)
		dstInst := filepath.Join(dstDir, name)

		if link {
			if err := copyTree(srcInst, dstInst); err != nil {
				return err
			}
		} else {
			if err := os.Rename(srcInst, dstInst); err != nil {
				return outcome.Wrap(outcome.KindInternal, err, "rename instance %s", name)
			}
		}

		oldTagName := fmt.Sprintf("%s/%d", src.raw, n)
		newTagName := fmt.Sprintf("%s/%d", dst.raw, n)
		if err := o.retargetTag(ctx, oldTagName, newTagName, dstInst, link); err != nil {
			return err
		}

		if err := o.retargetInstanceViews(src.raw, dst.raw, srcInst, dstInst, link); err != nil {
			return err
		}

		entry, rerr := tagindex.Read(srcDir, n)
		oldMessage := ""
		if rerr == nil {
			oldMessage = entry.Message
		}

		if !link {
			_ = tagindex.Rewrite(srcDir, n, tagindex.StatusMove, fmt.Sprintf("(moved to %s/%d) %s", dst.raw, n, oldMessage))
		}

		status := statusForSuffix(suffix)
		_ = tagindex.Append(dstDir, n, status, oldMessage)
	}

	if !link {
		if err := os.Rename(srcDir, dstDir+".indexonly.tmp"); err == nil {
			// The instance directories have already moved out; fold any
			// remaining INDEX-only directory into dst, then remove it.
			_ = mergeIndexOnly(dstDir+".indexonly.tmp", dstDir)
		}
	}

	return nil
}

func (o *Ops) relocateInstance(ctx context.Context, src, dst path, link bool) error {
	srcInstDir := ""
	srcSuffix := ""
	for _, suffix := range []string{"", "-fail", "-run", "-manual-retry", "-abrt"} {
		candidate := src.instanceDir(o.ResultsRoot, suffix)
		if _, err := os.Stat(candidate); err == nil {
			srcInstDir = candidate
			srcSuffix = suffix
			break
		}
	}
	if srcInstDir == "" {
		return outcome.New(outcome.KindNotFound, "no instance %d under %s", src.n, src.experiment)
	}

	dstInstDir := dst.instanceDir(o.ResultsRoot, srcSuffix)
	if _, err := os.Stat(dstInstDir); err == nil {
		return outcome.New(outcome.KindDestinationExists, "%s already exists", dst.raw)
	}

	if err := os.MkdirAll(dst.experimentDir(o.ResultsRoot), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir dst experiment")
	}

	if link {
		if err := copyTree(srcInstDir, dstInstDir); err != nil {
			return err
		}
	} else {
		if err := os.Rename(srcInstDir, dstInstDir); err != nil {
			return outcome.Wrap(outcome.KindInternal, err, "rename instance")
		}
	}

	oldTagName := fmt.Sprintf("%s/%d", src.experiment, src.n)
	newTagName := fmt.Sprintf("%s/%d", dst.experiment, dst.n)

	srcTagSHA, _ := o.Git.TagSHA(ctx, oldTagName)
	if srcTagSHA == "" {
		// Source tag missing: recover the SHA from git-results-message if
		// possible, otherwise skip tag creation with a warning, per §4.7.
		if sha := readCommitFromMessage(dstInstDir); sha != "" {
			srcTagSHA = sha
		}
	}

	if err := o.retargetTagSHA(ctx, oldTagName, newTagName, srcTagSHA, link); err != nil {
		return err
	}

	if err := o.retargetInstanceViews(src.experiment, dst.experiment, srcInstDir, dstInstDir, link); err != nil {
		return err
	}

	entry, rerr := tagindex.Read(src.experimentDir(o.ResultsRoot), src.n)
	oldMessage := ""
	status := statusForSuffix(srcSuffix)
	if rerr == nil {
		oldMessage = entry.Message
		status = entry.Status
	}

	if !link {
		_ = tagindex.Rewrite(src.experimentDir(o.ResultsRoot), src.n,
			tagindex.StatusMove, fmt.Sprintf("(moved to %s/%d) %s", dst.experiment, dst.n, oldMessage))
	}
	_ = tagindex.Append(dst.experimentDir(o.ResultsRoot), dst.n, status, oldMessage)

	return nil
}

func statusForSuffix(suffix string) tagindex.Status {
	switch suffix {
	case "-fail":
		return tagindex.StatusFail
	default:
		return tagindex.StatusOK
	}
}

func parseInstanceName(name string) (n int, suffix string, ok bool) {
	for _, s := range []string{"-fail", "-run", "-manual-retry", "-abrt"} {
		if strings.HasSuffix(name, s) {
			base := strings.TrimSuffix(name, s)
			if v, err := strconv.Atoi(base); err == nil {
				return v, s, true
			}
		}
	}
	if v, err := strconv.Atoi(name); err == nil {
		return v, "", true
	}
	return 0, "", false
}

func (o *Ops) retargetTag(ctx context.Context, oldName, newName, instDir string, keepOld bool) error {
	sha, _ := o.Git.TagSHA(ctx, oldName)
	if sha == "" {
		sha = readCommitFromMessage(instDir)
	}
	return o.retargetTagSHA(ctx, oldName, newName, sha, keepOld)
}

func (o *Ops) retargetTagSHA(ctx context.Context, oldName, newName, sha string, keepOld bool) error {
	if sha == "" {
		// No recoverable SHA: skip tag creation, per §4.7.
		fmt.Fprintf(os.Stderr, "git-results: warning: no commit recorded for %s; tag %s not created\n", oldName, newName)
		return nil
	}
	if !keepOld {
		_ = o.Git.DeleteTag(ctx, oldName)
	}
	if err := o.Git.Tag(ctx, newName, sha); err != nil {
		if outcome.KindOf(err) == outcome.KindTagExists {
			return outcome.New(outcome.KindDestinationExists, "tag %q already exists", newName)
		}
		return err
	}
	return nil
}

func readCommitFromMessage(instDir string) string {
	data, err := os.ReadFile(filepath.Join(instDir, "git-results-message")) //nolint:gosec // repo-controlled path
	if err != nil {
		return ""
	}
	m := instanceMessageCommitRe.FindStringSubmatch(string(data))
	if m == nil {
		return ""
	}
	return m[1]
}

// retargetInstanceViews keeps the "latest" and "dated" symlink views
// consistent with one instance's relocation from srcInstDir to dstInstDir.
// Per spec §4.7 both granularities must "retarget latest symlinks" and
// "rename the dated-view entry"; this single helper covers both, since a
// dated/latest entry is only ever relevant to a move/link if it currently
// resolves to the instance actually being relocated (an experiment-level
// move calls this once per instance it relocates; an instance-level move
// calls it once for the single instance named).
func (o *Ops) retargetInstanceViews(srcExp, dstExp, srcInstDir, dstInstDir string, link bool) error {
	latestRoot := filepath.Join(o.ResultsRoot, "latest")
	for _, suffix := range []string{"", "-fail"} {
		srcLink := filepath.Join(latestRoot, srcExp+suffix)
		target, err := os.Readlink(srcLink)
		if err != nil || target != srcInstDir {
			continue
		}
		dstLink := filepath.Join(latestRoot, dstExp+suffix)
		if err := relinkAt(dstLink, dstInstDir); err != nil {
			return err
		}
		if !link {
			_ = os.Remove(srcLink)
		}
	}

	return o.retargetDatedViews(srcExp, dstExp, srcInstDir, dstInstDir, link)
}

// retargetDatedViews scans results/dated/YYYY/MM for a "DD-<srcExp>" entry
// resolving to srcInstDir and relinks it as "DD-<dstExp>" -> dstInstDir,
// preserving the day it was originally published under.
func (o *Ops) retargetDatedViews(srcExp, dstExp, srcInstDir, dstInstDir string, link bool) error {
	datedRoot := filepath.Join(o.ResultsRoot, "dated")
	years, err := os.ReadDir(datedRoot)
	if err != nil {
		return nil // no dated view published yet
	}
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		monthRoot := filepath.Join(datedRoot, y.Name())
		months, err := os.ReadDir(monthRoot)
		if err != nil {
			continue
		}
		for _, m := range months {
			if !m.IsDir() {
				continue
			}
			dayRoot := filepath.Join(monthRoot, m.Name())
			entries, err := os.ReadDir(dayRoot)
			if err != nil {
				continue
			}
			for _, e := range entries {
				day, exp, ok := splitDatedName(e.Name())
				if !ok || exp != srcExp {
					continue
				}
				srcLink := filepath.Join(dayRoot, e.Name())
				target, rerr := os.Readlink(srcLink)
				if rerr != nil || target != srcInstDir {
					continue
				}
				dstLink := filepath.Join(dayRoot, day+"-"+dstExp)
				if err := relinkAt(dstLink, dstInstDir); err != nil {
					return err
				}
				if !link {
					_ = os.Remove(srcLink)
				}
			}
		}
	}
	return nil
}

// splitDatedName splits a "DD-<experiment>" dated-view entry name into its
// two-digit day and experiment parts.
func splitDatedName(name string) (day, experiment string, ok bool) {
	if len(name) < 4 || name[2] != '-' {
		return "", "", false
	}
	if _, err := strconv.Atoi(name[:2]); err != nil {
		return "", "", false
	}
	return name[:2], name[3:], true
}

func relinkAt(link, target string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir symlink parent")
	}
	_ = os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "create symlink")
	}
	return nil
}

func mergeIndexOnly(srcDir, dstDir string) error {
	srcIndex := filepath.Join(srcDir, "INDEX")
	if data, err := os.ReadFile(srcIndex); err == nil { //nolint:gosec // internally constructed
		dstIndex := filepath.Join(dstDir, "INDEX")
		existing, _ := os.ReadFile(dstIndex) //nolint:gosec // internally constructed
		combined := append(append([]byte{}, existing...), data...)
		_ = os.WriteFile(dstIndex, combined, 0o644)
	}
	return os.RemoveAll(srcDir)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, p)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, rerr := os.Readlink(p)
			if rerr != nil {
				return rerr
			}
			return os.Symlink(linkTarget, target)
		}
		data, rerr := os.ReadFile(p) //nolint:gosec // source tree is repo-controlled
		if rerr != nil {
			return rerr
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
