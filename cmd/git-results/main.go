// Command git-results drives one experiment attempt (or a supervisor pass,
// or a tree move/link) from the command line. It owns exactly the wiring
// spec §9's "exceptions-for-control-flow" note assigns to an outermost
// layer: parse args, build the collaborators, call into RunLifecycle /
// Supervisor / TreeOps, and translate the returned outcome into a process
// exit code. Adapted from the teacher's cmd/gitcli dispatch, but the bare
// "run a tagPath" verb (spec §6) doesn't fit cliapp.App.Run's strict
// exact-name lookup, so dispatch is handled directly here; cliapp is kept
// for the structured commands that do have fixed names.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wwoods/git-results/internal/artifactstore"
	"github.com/wwoods/git-results/internal/cliapp"
	"github.com/wwoods/git-results/internal/clock"
	"github.com/wwoods/git-results/internal/gitfacade"
	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/procexec"
	"github.com/wwoods/git-results/internal/progress"
	"github.com/wwoods/git-results/internal/runlifecycle"
	"github.com/wwoods/git-results/internal/statestore"
	"github.com/wwoods/git-results/internal/supervisor"
	"github.com/wwoods/git-results/internal/termcolor"
	"github.com/wwoods/git-results/internal/treeops"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		return 1
	}

	repoRoot, err := findRepoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
		return 1
	}
	// Per spec §6's persisted-layout examples (e.g. "results/test/run"),
	// tagPath already carries the results-root segment as its own first
	// component; there is no separate, independently configured results
	// root to resolve.
	resultsRoot := repoRoot

	launcher := procexec.Real{}
	git := gitfacade.New(repoRoot, launcher)

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
		return 1
	}
	states, err := statestore.NewWithIndex(filepath.Join(home, ".gitresults"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
		return 1
	}

	artifacts := artifactstore.New(resultsRoot)
	lifecycle := runlifecycle.New(repoRoot, resultsRoot, git, states, artifacts, launcher, clock.Real{})
	reporter := progress.NewReporter()
	lifecycle.Reporter = reporter

	ctx := context.Background()

	colorMode := termcolor.ColorAuto
	for len(args) > 0 && (args[0] == "--no-color" || strings.HasPrefix(args[0], "--color=")) {
		mode, perr := termcolor.ColorNever, error(nil)
		if args[0] != "--no-color" {
			mode, perr = termcolor.ParseColorMode(strings.TrimPrefix(args[0], "--color="))
		}
		if perr != nil {
			fmt.Fprintf(os.Stderr, "git-results: %v\n", perr)
			return 1
		}
		colorMode, args = mode, args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		return 1
	}

	if args[0] == "--version" {
		fmt.Fprintf(os.Stderr, "git-results version %s\n", version)
		return 0
	}

	app := buildApp(ctx, resultsRoot, git, lifecycle, states)
	if app.Lookup(args[0]) != nil || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		cw := termcolor.NewWriter(os.Stderr, colorMode)
		return app.Run(args, cw)
	}

	if key, ok := resumeInvocation(args); ok {
		reporter.Start()
		err := lifecycle.Resume(ctx, key)
		reporter.Stop()
		return reportAndExit(err)
	}

	return runExperiment(ctx, lifecycle, reporter, args)
}

// buildApp registers the fixed-name commands (move, link, supervisor) with
// cliapp, which formats their help text and dispatches -h/--help the same
// way as every other command in this package's corpus. The bare tagPath
// "run" verb and the internal resume form bypass App.Run entirely, since
// neither has a fixed name for Lookup to find.
func buildApp(ctx context.Context, resultsRoot string, git *gitfacade.Facade, lifecycle *runlifecycle.Lifecycle, states *statestore.Store) *cliapp.App {
	app := cliapp.NewApp("git-results", version)
	app.Register(&cliapp.Command{
		Name:    "move",
		Summary: "relocate an experiment or instance, retargeting its tag",
		Usage:   "git-results move <src> <dst>",
		Run:     func(args []string) int { return runTreeOp(ctx, resultsRoot, git, args, false) },
	})
	app.Register(&cliapp.Command{
		Name:    "link",
		Summary: "duplicate an experiment or instance, leaving the source untouched",
		Usage:   "git-results link <src> <dst>",
		Run:     func(args []string) int { return runTreeOp(ctx, resultsRoot, git, args, true) },
	})
	app.Register(&cliapp.Command{
		Name:    "supervisor",
		Summary: "sweep pending state records, resuming retryable runs",
		Usage:   "git-results supervisor [--manual]",
		Run:     func(args []string) int { return runSupervisor(ctx, lifecycle, states, args) },
	})
	return app
}

// resumeInvocation recognizes the internal "<resumeKey> --internal-retry-
// continue" form Supervisor's spawned continuations use.
func resumeInvocation(args []string) (string, bool) {
	if len(args) == 2 && args[1] == "--internal-retry-continue" {
		return args[0], true
	}
	return "", false
}

// runExperiment implements the bare "<tagPath> [-m msg] [-i] [-x src:name]…
// [-f cmd]" verb.
func runExperiment(ctx context.Context, lifecycle *runlifecycle.Lifecycle, reporter *progress.Reporter, args []string) int {
	fs := flag.NewFlagSet("git-results", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		message       string
		inPlace       bool
		followCmd     string
		maxRetries    int
		resumable     bool
		retryDelaySec int64 = -1
		extrasRaw     stringSliceFlag
	)
	fs.StringVar(&message, "m", "", "commit/run message")
	fs.BoolVar(&inPlace, "i", false, "publish result files from the working tree instead of a staged copy")
	fs.StringVar(&followCmd, "f", "", "command sampled like a progress command while the run executes")
	fs.IntVar(&maxRetries, "max-retries", 0, "override the configured max retry count")
	fs.BoolVar(&resumable, "r", false, "leave a failed run as N-run with a git-results-retry-key instead of publishing -fail immediately")
	fs.Int64Var(&retryDelaySec, "retry-delay", -1, "override the backoff between Supervisor resume attempts, in seconds")
	fs.Var(&extrasRaw, "x", "src:name, import src into the run's cwd as name (repeatable)")

	tagPath := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	extras, err := parseExtras(extrasRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
		return 1
	}

	retryDelay := time.Duration(-1)
	if retryDelaySec >= 0 {
		retryDelay = time.Duration(retryDelaySec) * time.Second
	}

	opts := runlifecycle.Options{
		Message:    message,
		AutoCommit: true,
		InPlace:    inPlace,
		Extras:     extras,
		FollowCmd:  followCmd,
		MaxRetries: maxRetries,
		Resumable:  resumable,
		RetryDelay: retryDelay,
	}

	reporter.Start()
	err = lifecycle.RunOnce(ctx, tagPath, opts)
	reporter.Stop()
	return reportAndExit(err)
}

func parseExtras(raw stringSliceFlag) ([]runlifecycle.ExtraImport, error) {
	extras := make([]runlifecycle.ExtraImport, 0, len(raw))
	for _, item := range raw {
		src, name, ok := strings.Cut(item, ":")
		if !ok || src == "" || name == "" {
			return nil, fmt.Errorf("-x %q: expected src:name", item)
		}
		extras = append(extras, runlifecycle.ExtraImport{Src: src, Name: name})
	}
	return extras, nil
}

func runTreeOp(ctx context.Context, resultsRoot string, git *gitfacade.Facade, args []string, link bool) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "git-results: usage: git-results move|link <src> <dst>")
		return 1
	}
	ops := treeops.New(resultsRoot, git)
	var err error
	if link {
		err = ops.Link(ctx, args[0], args[1])
	} else {
		err = ops.Move(ctx, args[0], args[1])
	}
	return reportAndExit(err)
}

func runSupervisor(ctx context.Context, lifecycle *runlifecycle.Lifecycle, states *statestore.Store, args []string) int {
	fs := flag.NewFlagSet("git-results supervisor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var manual bool
	fs.BoolVar(&manual, "manual", false, "allow exhausted, stalled records one further retry")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	started, err := supervisor.Pass(ctx, lifecycle, states, supervisor.Options{Manual: manual})
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
		return outcome.ExitCode(err)
	}
	// Pass fans continuations out in parallel and returns while they're
	// still in flight; the process must wait for all of them here rather
	// than exiting immediately, or the goroutines running them would be
	// killed mid-resume.
	for _, h := range started {
		if err := h.Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "git-results: supervisor: %s: %v\n", h.Key, err)
		}
	}
	return 0
}

func reportAndExit(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-results: %v\n", err)
	}
	return outcome.ExitCode(err)
}

// findRepoRoot walks upward from the working directory looking for a .git
// entry.
func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to /)")
		}
		dir = parent
	}
}

func usage() string {
	return `git-results: reproducible experiment runner

Usage:
  git-results <tagPath> [-m msg] [-i] [-x src:name]... [-f cmd]
  git-results move <src> <dst>
  git-results link <src> <dst>
  git-results supervisor [--manual]

Run 'git-results help' for the list of commands, or pass --version for the version.`
}

// stringSliceFlag accumulates repeated -x flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
