// Package runlifecycle implements §4.4 RunLifecycle: the state machine that
// drives a single experiment attempt through PREPARE, COMMIT, BUILD, RUN,
// and PUBLISH, with failure edges to ROLLBACK and MANUAL. It is the core of
// the repository, the same role the teacher's repomanager.ManagedRepo state
// machine plays for a cloned repo's lifecycle, generalized here to a
// build/run/publish pipeline instead of clone/fetch/evict.
package runlifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/wwoods/git-results/internal/artifactstore"
	"github.com/wwoods/git-results/internal/clock"
	"github.com/wwoods/git-results/internal/config"
	"github.com/wwoods/git-results/internal/gitfacade"
	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/procexec"
	"github.com/wwoods/git-results/internal/statestore"
	"github.com/wwoods/git-results/internal/tagindex"
)

const defaultMaxRetries = 3

// ExtraImport names a file to copy into the run's working directory under
// a possibly different name, configured via -x src:name.
type ExtraImport struct {
	Src  string
	Name string
}

// Options configures one RunOnce invocation, gathered from CLI flags.
type Options struct {
	Message       string
	AutoCommit    bool
	InPlace       bool
	Extras        []ExtraImport
	FollowCmd     string
	MaxRetries    int
	ProgressDelay time.Duration

	// Resumable is the -r flag: instead of RunOnce publishing a -fail
	// instance immediately on a RUN failure, the instance directory is
	// left as "N-run" (carrying a git-results-retry-key file alongside
	// stdout/stderr) with its StateRecord intact, so either
	// --internal-retry-continue or a Supervisor pass can continue it
	// later, per SPEC_FULL.md's supplemented retry feature.
	Resumable bool
	// RetryDelay overrides the backoff Supervisor waits between resume
	// attempts for this run's StateRecord. Negative means "unset, use the
	// default"; this lets -retry-delay 0 be distinguished from not
	// passing the flag at all.
	RetryDelay time.Duration
}

// Reporter receives lifecycle progress for display; the CLI layer supplies
// one backed by internal/progress, tests supply a no-op.
type Reporter interface {
	Phase(phase string)
	Progress(sample string)
}

// NopReporter discards every call.
type NopReporter struct{}

func (NopReporter) Phase(string)    {}
func (NopReporter) Progress(string) {}

// Lifecycle bundles the collaborators RunOnce needs, each substitutable in
// tests via the Clock/ProcessLauncher seams named in the design notes.
type Lifecycle struct {
	RepoRoot    string
	ResultsRoot string

	Git      *gitfacade.Facade
	Store    *statestore.Store
	Artifact *artifactstore.Store
	Launcher procexec.Launcher
	Clock    clock.Clock
	Reporter Reporter
}

// New constructs a Lifecycle with the given collaborators.
func New(repoRoot, resultsRoot string, git *gitfacade.Facade, states *statestore.Store, artifacts *artifactstore.Store, launcher procexec.Launcher, clk clock.Clock) *Lifecycle {
	return &Lifecycle{
		RepoRoot:    repoRoot,
		ResultsRoot: resultsRoot,
		Git:         git,
		Store:       states,
		Artifact:    artifacts,
		Launcher:    launcher,
		Clock:       clk,
		Reporter:    NopReporter{},
	}
}

// target describes a parsed tag path.
type target struct {
	ExperimentDir string // absolute path under ResultsRoot
	Experiment    string // ResultsRoot-relative, slash separated
}

func (l *Lifecycle) resolveTarget(tagPath string) target {
	clean := strings.Trim(filepath.ToSlash(tagPath), "/")
	return target{
		Experiment:    clean,
		ExperimentDir: filepath.Join(l.ResultsRoot, filepath.FromSlash(clean)),
	}
}

// RunOnce executes PREPARE through PUBLISH (or an early failure edge) for a
// fresh run at targetTag. Continuing an interrupted run from its resume
// key (the CLI's --internal-retry-continue path) goes through Resume.
func (l *Lifecycle) RunOnce(ctx context.Context, targetTag string, opts Options) error {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.ProgressDelay == 0 {
		opts.ProgressDelay = 30 * time.Second
	}
	if l.Reporter == nil {
		l.Reporter = NopReporter{}
	}

	tg := l.resolveTarget(targetTag)

	l.Reporter.Phase("prepare")
	n, err := tagindex.NextNumber(tg.ExperimentDir)
	if err != nil {
		return err
	}

	resolved, err := config.Load(l.RepoRoot, tg.ExperimentDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fullTag := fmt.Sprintf("%s/%d", tg.Experiment, n)
	buildCmd, err := config.ExpandVars(resolved.Build, fullTag, resolved.Vars)
	if err != nil {
		return outcome.Wrap(outcome.KindInvalid, err, "expand build command")
	}
	runCmd, err := config.ExpandVars(resolved.Run, fullTag, resolved.Vars)
	if err != nil {
		return outcome.Wrap(outcome.KindInvalid, err, "expand run command")
	}
	progressCmd, err := config.ExpandVars(resolved.Progress, fullTag, resolved.Vars)
	if err != nil {
		return outcome.Wrap(outcome.KindInvalid, err, "expand progress command")
	}
	if opts.FollowCmd != "" {
		progressCmd = opts.FollowCmd
	}

	staging, err := l.Artifact.NewStaging()
	if err != nil {
		return err
	}

	key := statestore.NewKey()
	message, err := resolveMessage(opts.Message)
	if err != nil {
		l.Artifact.RemoveStaging(staging)
		return err
	}

	settings := statestore.Settings{
		RepoPath:      l.RepoRoot,
		TargetTag:     fullTag,
		BuildCmd:      buildCmd,
		RunCmd:        runCmd,
		ProgressCmd:   progressCmd,
		StagingDir:    staging,
		N:             n,
		ExperimentDir: tg.ExperimentDir,
		IgnoreRules:   resolved.Ignore,
		IgnoreExt:     resolved.IgnoreExt,
		InPlace:       opts.InPlace,
		MaxRetries:    opts.MaxRetries,
		RetryDelay:    retryDelayOrDefault(opts.RetryDelay),
		ProgressDelay: opts.ProgressDelay,
		Message:       message,
		ResultFiles:   resolved.ResultFiles,
	}
	for _, x := range opts.Extras {
		if settings.ExtraFiles == nil {
			settings.ExtraFiles = map[string]string{}
		}
		settings.ExtraFiles[x.Src] = x.Name
	}

	if err := l.Store.Create(key, settings, statestore.BuildState{Phase: statestore.PhaseBuild}); err != nil {
		l.Artifact.RemoveStaging(staging)
		return err
	}

	// COMMIT.
	l.Reporter.Phase("commit")
	rollbackSHA, err := l.Git.Head(ctx)
	if err != nil {
		l.cleanupEarly(key, staging)
		return err
	}

	// The target tag is checked before any auto-commit happens: per spec
	// §4.4 step 2 and §7's recovery policy, a TagExists failure must be
	// reported "without side effects", so nothing may be committed to the
	// repository's history until the tag is known to be free.
	if existing, _ := l.Git.TagSHA(ctx, fullTag); existing != "" {
		l.cleanupEarly(key, staging)
		return outcome.New(outcome.KindTagExists, "tag %q already exists", fullTag)
	}

	clean, err := l.Git.WorkingTreeClean(ctx)
	if err != nil {
		l.cleanupEarly(key, staging)
		return err
	}
	commitSHA := rollbackSHA
	if !clean {
		if !opts.AutoCommit {
			l.cleanupEarly(key, staging)
			return outcome.New(outcome.KindDirty, "working tree has uncommitted changes")
		}
		commitSHA, err = l.Git.CommitAll(ctx, message, false)
		if err != nil {
			l.cleanupEarly(key, staging)
			return err
		}
	}

	settings.RollbackSHA = rollbackSHA
	settings.CommitSHA = commitSHA
	if err := l.Store.UpdateSettings(key, settings); err != nil {
		return err
	}

	// BUILD.
	l.Reporter.Phase("build")
	buildRes, err := l.Launcher.Run(ctx, procexec.Spec{
		Command:    settings.BuildCmd,
		Dir:        l.RepoRoot,
		Env:        procexec.MinimalEnv(),
		StdoutFile: filepath.Join(staging, "build-stdout"),
		StderrFile: filepath.Join(staging, "build-stderr"),
	})
	if err != nil {
		return l.rollback(ctx, key, settings, rollbackSHA, commitSHA != rollbackSHA, tagindex.StatusGone, "build error: "+err.Error())
	}
	if buildRes.ExitCode != 0 {
		return l.rollback(ctx, key, settings, rollbackSHA, commitSHA != rollbackSHA, tagindex.StatusGone, message)
	}

	// RUN. A fresh, directly-invoked run is normally terminal either way:
	// success publishes with no suffix, a synchronous nonzero exit or
	// launcher error publishes "-fail" immediately (spec §8 scenario 3).
	// The retry/stall/manual-retry machinery in Resume applies only when a
	// Supervisor pass is continuing a run that was interrupted mid-flight
	// — unless -r (opts.Resumable) asked for that same deferred handling
	// up front: then the instance is left as "N-run" with a
	// git-results-retry-key file and its StateRecord intact on a RUN
	// failure, instead of publishing "-fail" immediately.
	_ = l.Store.Update(key, func(bs *statestore.BuildState) { bs.Phase = statestore.PhaseRun })

	if opts.Resumable {
		if err := l.enterResumableRun(key, &settings); err != nil {
			return err
		}
	}

	exitCode, runErr := l.runWithProgress(ctx, key, settings, runCwd(settings))

	if opts.Resumable && (runErr != nil || exitCode != 0) {
		_ = l.Store.Update(key, func(bs *statestore.BuildState) {
			bs.Phase = statestore.PhaseRun
			bs.RetryCount = 1
		})
		return outcome.New(outcome.KindRunFail,
			"run %q failed; resume with %q --internal-retry-continue", settings.TargetTag, key)
	}

	return l.publish(ctx, key, settings, commitSHA, message, runErr != nil || exitCode != 0)
}

// enterResumableRun relocates the staging directory to the conventional
// "N-run" instance path and writes a git-results-retry-key file inside it
// holding the resume key, so an operator inspecting the filesystem (rather
// than ~/.gitresults) can find the key to pass to
// --internal-retry-continue. Grounded on the original tool's -r flag
// (original_source/test/test_retry.py).
func (l *Lifecycle) enterResumableRun(key string, settings *statestore.Settings) error {
	runDir := filepath.Join(settings.ExperimentDir, fmt.Sprintf("%d-run", settings.N))
	if err := os.MkdirAll(settings.ExperimentDir, 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir experiment dir")
	}
	if err := os.Rename(settings.StagingDir, runDir); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "rename staging to run dir")
	}
	if err := os.WriteFile(filepath.Join(runDir, "git-results-retry-key"), []byte(key), 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write retry key")
	}
	settings.StagingDir = runDir
	return l.Store.UpdateSettings(key, *settings)
}

// retryDelayOrDefault resolves Options.RetryDelay (negative meaning
// "unset") against the default backoff Supervisor uses between resume
// attempts, letting --retry-delay 0 be distinguished from the flag being
// absent entirely.
func retryDelayOrDefault(d time.Duration) time.Duration {
	if d < 0 {
		return 5 * time.Second
	}
	return d
}

func runCwd(settings statestore.Settings) string {
	if settings.InPlace {
		return settings.RepoPath
	}
	return settings.StagingDir
}

// Resume continues a StateRecord left in phase "run" or "publish" by a
// prior invocation that was interrupted (process killed, power loss), as
// driven by Supervisor or the `--internal-retry-continue` CLI verb. Unlike
// a fresh RunOnce, a failed re-execution here counts against maxRetries and
// falls into MANUAL once exhausted and stalled, per spec §4.6.
func (l *Lifecycle) Resume(ctx context.Context, key string) error {
	rec, err := l.Store.Load(key)
	if err != nil {
		return err
	}
	settings := rec.Settings

	if rec.State.Phase == statestore.PhasePublish {
		return l.publish(ctx, key, settings, settings.CommitSHA, settings.Message, rec.State.RunFailed)
	}

	l.Reporter.Phase("run")
	exitCode, runErr := l.runWithProgress(ctx, key, settings, runCwd(settings))
	if runErr == nil && exitCode == 0 {
		return l.publish(ctx, key, settings, settings.CommitSHA, settings.Message, false)
	}

	retryCount := rec.State.RetryCount + 1
	stalled := l.isStalled(rec)
	if retryCount >= settings.MaxRetries && stalled {
		return l.goManual(key, settings)
	}

	_ = l.Store.Update(key, func(bs *statestore.BuildState) {
		bs.Phase = statestore.PhaseRun
		bs.RetryCount = retryCount
	})
	return outcome.New(outcome.KindRunFail, "run %q failed on resume attempt %d", settings.TargetTag, retryCount)
}

// isStalled reports whether the progress value has stayed unchanged for
// longer than ProgressDelay, per spec §4.6: sampleProgress keeps
// LastProgress.Timestamp at the moment the current value was first
// observed, so its age is how long the value has not moved. A record with
// no sample yet counts as stalled. A negative ProgressDelay disables the
// check, used on filesystems with skewed mtimes.
func (l *Lifecycle) isStalled(rec statestore.Record) bool {
	if rec.Settings.ProgressDelay < 0 {
		return false
	}
	if rec.State.LastProgress.Timestamp.IsZero() {
		return true
	}
	return l.Clock.Now().Sub(rec.State.LastProgress.Timestamp) > rec.Settings.ProgressDelay
}

func (l *Lifecycle) runWithProgress(ctx context.Context, key string, settings statestore.Settings, cwd string) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exitCode int
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		res, err := l.Launcher.Run(gctx, procexec.Spec{
			Command:    settings.RunCmd,
			Dir:        cwd,
			Env:        procexec.MinimalEnv(),
			StdoutFile: filepath.Join(settings.StagingDir, "stdout"),
			StderrFile: filepath.Join(settings.StagingDir, "stderr"),
		})
		exitCode = res.ExitCode
		cancel() // stop the progress sampler once the run finishes
		return err
	})

	if settings.ProgressCmd != "" {
		g.Go(func() error {
			l.sampleProgress(gctx, key, settings)
			return nil
		})
	}

	err := g.Wait()
	return exitCode, err
}

// sampleProgress periodically invokes the progress command, recording each
// new value, and the time it first appeared, into the StateRecord until ctx
// is cancelled (run finished).
// It watches the run's stdout/stderr files with fsnotify so a sample is
// also triggered right after a flush, instead of only on a fixed tick —
// avoiding a busy-poll read of a file still being written.
func (l *Lifecycle) sampleProgress(ctx context.Context, key string, settings statestore.Settings) {
	interval := settings.ProgressDelay / 4
	if interval < time.Second {
		interval = time.Second
	}

	watcher, werr := fsnotify.NewWatcher()
	var events <-chan fsnotify.Event
	if werr == nil {
		_ = watcher.Add(settings.StagingDir)
		events = watcher.Events
		defer watcher.Close()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func() {
		res, err := l.Launcher.Run(ctx, procexec.Spec{
			Command: settings.ProgressCmd,
			Dir:     settings.StagingDir,
			Env:     procexec.MinimalEnv(),
		})
		if err != nil {
			return
		}
		value := strings.TrimSpace(string(res.Stdout))
		_ = l.Store.Update(key, func(bs *statestore.BuildState) {
			if bs.LastProgress.Value == value && !bs.LastProgress.Timestamp.IsZero() {
				return // unchanged: keep the time this value was first seen
			}
			bs.LastProgress = statestore.ProgressSample{Value: value, Timestamp: l.Clock.Now()}
		})
		l.Reporter.Progress(value)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			sample()
		}
	}
}

// publish performs §4.4 step 5: extras import, ArtifactStore.publish, tag
// creation, symlink views, INDEX append, and StateRecord/staging cleanup.
func (l *Lifecycle) publish(ctx context.Context, key string, settings statestore.Settings, commitSHA, message string, failed bool) error {
	l.Reporter.Phase("publish")

	_ = l.Store.Update(key, func(bs *statestore.BuildState) {
		bs.Phase = statestore.PhasePublish
		bs.RunFailed = failed
	})

	for src, name := range settings.ExtraFiles {
		if err := l.Artifact.ImportExtra(src, settings.StagingDir, name); err != nil {
			return err
		}
	}

	// A resumable run's retry key lives only alongside the "N-run"
	// staging directory for an operator to find mid-retry; once publish
	// is reached the run is done and the key file has no business in the
	// published instance.
	_ = os.Remove(filepath.Join(settings.StagingDir, "git-results-retry-key"))

	suffix := ""
	status := tagindex.StatusOK
	if failed {
		suffix = "-fail"
		status = tagindex.StatusFail
	}

	targetPath := filepath.Join(settings.ExperimentDir, fmt.Sprintf("%d", settings.N))
	opts := artifactstore.PublishOptions{
		IgnoreRules: settings.IgnoreRules,
		IgnoreExt:   settings.IgnoreExt,
		InPlace:     settings.InPlace,
		ResultFiles: resultFileNames(settings),
		WorkTreeSrc: settings.RepoPath,
	}
	published, unstagedRemain, err := l.Artifact.Publish(settings.StagingDir, targetPath, suffix, opts)
	if err != nil {
		return err
	}
	if unstagedRemain {
		failed = true
		if suffix == "" {
			suffix = "-fail"
			status = tagindex.StatusFail
			newTarget := published + "-fail"
			_ = os.Rename(published, newTarget)
			published = newTarget
		}
	}

	if err := writeMessageFile(published, commitSHA, message); err != nil {
		return err
	}

	if err := l.Git.Tag(ctx, settings.TargetTag, commitSHA); err != nil {
		_ = os.RemoveAll(published)
		return l.rollback(ctx, key, settings, settings.RollbackSHA, commitSHA != settings.RollbackSHA, tagindex.StatusGone, message)
	}

	if err := l.Artifact.PublishDatedAndLatest(published, experimentRel(settings), l.Clock.Now(), failed); err != nil {
		return err
	}

	if err := tagindex.Append(settings.ExperimentDir, settings.N, status, message); err != nil {
		return err
	}

	l.Artifact.RemoveStaging(settings.StagingDir)
	_ = l.Store.Delete(key)

	if failed {
		return outcome.New(outcome.KindRunFail, "run %q failed", settings.TargetTag)
	}
	return nil
}

func experimentRel(settings statestore.Settings) string {
	idx := strings.LastIndex(settings.TargetTag, "/")
	if idx < 0 {
		return ""
	}
	return settings.TargetTag[:idx]
}

// resultFileNames lists the in-place result files to pull from the working
// tree; stdout/stderr/extras are already in the staging directory and are
// handled by publishStaging regardless of mode.
func resultFileNames(settings statestore.Settings) []string {
	return settings.ResultFiles
}

// rollback performs §4.4 step 6: undo an auto-created commit, remove any
// instance directory, record a "gone" INDEX line when appropriate, and
// delete the StateRecord.
func (l *Lifecycle) rollback(ctx context.Context, key string, settings statestore.Settings, rollbackSHA string, hadAutoCommit bool, status tagindex.Status, message string) error {
	l.Reporter.Phase("rollback")

	if hadAutoCommit {
		_ = l.Git.ResetTo(ctx, rollbackSHA)
	}

	instanceDir := filepath.Join(settings.ExperimentDir, fmt.Sprintf("%d", settings.N))
	_ = os.RemoveAll(instanceDir)
	_ = l.Git.DeleteTag(ctx, settings.TargetTag)

	_ = tagindex.Append(settings.ExperimentDir, settings.N, status, message)

	l.Artifact.RemoveStaging(settings.StagingDir)
	_ = l.Store.Delete(key)

	return outcome.New(outcome.KindBuildFail, "build failed for %q", settings.TargetTag)
}

// goManual performs §4.4 step 7: rename staging to <experiment>/N-manual-retry,
// leave the StateRecord in place, and report Stalled.
func (l *Lifecycle) goManual(key string, settings statestore.Settings) error {
	l.Reporter.Phase("manual")

	manualDir := filepath.Join(settings.ExperimentDir, fmt.Sprintf("%d-manual-retry", settings.N))
	if err := os.MkdirAll(filepath.Dir(manualDir), 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir manual-retry parent")
	}
	if err := os.Rename(settings.StagingDir, manualDir); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "rename staging to manual-retry")
	}

	return outcome.New(outcome.KindStalled, "run %q stalled after %d attempts", settings.TargetTag, settings.MaxRetries)
}

func (l *Lifecycle) cleanupEarly(key, staging string) {
	l.Artifact.RemoveStaging(staging)
	_ = l.Store.Delete(key)
}

func writeMessageFile(publishedDir, commitSHA, message string) error {
	content := message + "\n\nCommit: " + commitSHA + "\n"
	path := filepath.Join(publishedDir, "git-results-message")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write git-results-message")
	}
	return nil
}

func resolveMessage(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if len(trimmed) >= 5 {
		return trimmed, nil
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		return "", outcome.New(outcome.KindInvalid, "commit message too short and $EDITOR unset")
	}

	f, err := os.CreateTemp("", "git-results-msg-*")
	if err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "create message temp file")
	}
	path := f.Name()
	_, _ = f.WriteString(trimmed)
	f.Close()
	defer os.Remove(path)

	res, err := procexec.Real{}.Run(context.Background(), procexec.Spec{
		Command: editor + " " + shellQuoteArg(path),
		Env:     append(procexec.MinimalEnv(), "EDITOR="+editor),
	})
	if err != nil || res.ExitCode != 0 {
		return "", outcome.New(outcome.KindInvalid, "editor invocation failed")
	}

	data, err := os.ReadFile(path) //nolint:gosec // caller-controlled temp path
	if err != nil {
		return "", outcome.Wrap(outcome.KindInternal, err, "read edited message")
	}
	final := strings.TrimSpace(string(data))
	if len(final) < 5 {
		return "", outcome.New(outcome.KindInvalid, "commit message too short")
	}
	return final, nil
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
