// Package supervisor implements §4.6 Supervisor: a single enumerate-and-
// dispatch pass over StateStore records, spawning continuations for runs
// that are still retryable and self-healing records that reference a dead
// repo, that have no settings file, or that carry unparseable settings.
// Adapted from the
// teacher's repomanager/scheduler.go ticker-driven dispatch idiom, but run
// once per invocation rather than as a resident loop, since spec §4.6
// describes Supervisor as explicitly invoked (`git-results supervisor`),
// not continuously running.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wwoods/git-results/internal/outcome"
	"github.com/wwoods/git-results/internal/runlifecycle"
	"github.com/wwoods/git-results/internal/statestore"
	"github.com/wwoods/git-results/internal/tagindex"
)

// Handle identifies one continuation Supervisor started. The continuation
// itself runs in its own goroutine; Err is only meaningful once Wait
// returns.
type Handle struct {
	Key string
	Err error

	done chan struct{}
}

// Wait blocks until the continuation this handle names has finished running
// and returns the error it completed with (nil on success). Callers that
// need the process to outlive every in-flight continuation (the CLI's
// `supervisor` verb, so a child isn't killed mid-run when main exits) call
// Wait on every handle Pass returns; callers that only want the fan-out
// itself may ignore it entirely, matching the original's fire-and-forget
// child-process semantics.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err
}

// Options configures one Pass.
type Options struct {
	// Manual allows a stalled-and-exhausted record one further retry
	// instead of being left for operator attention. With ForceAbort (set
	// by tests) also set, such a record is not retried: its -manual-retry
	// instance is moved to -abrt and the record deleted.
	Manual     bool
	ForceAbort bool
}

// Pass enumerates every StateStore record once, heals the ones that
// reference dead state, and fans out a continuation for every other
// retryable record, each in its own goroutine so one slow resume doesn't
// hold up the rest. It returns promptly with the list of started handles,
// still in flight; per spec §5 ("Supervisor may start multiple
// continuations in parallel as independent processes"), Pass itself never
// waits on them — a caller that must not exit before they settle (the CLI's
// `supervisor` verb) calls Handle.Wait on each.
func Pass(ctx context.Context, lifecycle *runlifecycle.Lifecycle, states *statestore.Store, opts Options) ([]*Handle, error) {
	keys, err := states.List()
	if err != nil {
		return nil, err
	}

	var started []*Handle
	for _, key := range keys {
		if strings.HasPrefix(key, "bad_") {
			continue // already quarantined
		}

		if _, serr := os.Stat(filepath.Join(states.Dir, key, "settings")); os.IsNotExist(serr) {
			_ = states.Delete(key) // no settings file at all: nothing to resume
			continue
		}

		rec, err := states.Load(key)
		if err != nil {
			if outcome.KindOf(err) == outcome.KindCorrupt {
				_ = states.MarkBad(key)
				continue
			}
			continue
		}

		if recordIsDead(rec) {
			healDead(states, rec)
			continue
		}

		if rec.State.RetryCount >= rec.Settings.MaxRetries {
			if !stalledSince(lifecycle, rec) {
				continue // still making progress, leave it to resume naturally
			}
			if !opts.Manual {
				continue // operator attention required
			}
			if opts.ForceAbort {
				abortInstance(states, rec)
				continue
			}
		}

		h := &Handle{Key: key, done: make(chan struct{})}
		delay := rec.Settings.RetryDelay
		go func() {
			defer close(h.done)
			h.Err = spawnContinuation(ctx, lifecycle, key, delay)
		}()
		started = append(started, h)
	}

	return started, nil
}

// recordIsDead reports whether the repo referenced in settings no longer
// exists, meaning the record is orphaned. Only RepoPath is checked; the
// target tag and its experiment directory are not.
func recordIsDead(rec statestore.Record) bool {
	if _, err := os.Stat(rec.Settings.RepoPath); err != nil {
		return true
	}
	return false
}

// healDead deletes an orphaned record plus any -run/-manual-retry directory
// that named it, per spec §4.6.
func healDead(states *statestore.Store, rec statestore.Record) {
	_ = states.Delete(rec.Key)

	for _, suffix := range []string{"-run", "-manual-retry"} {
		dir := filepath.Join(rec.Settings.ExperimentDir, itoa(rec.Settings.N)+suffix)
		_ = os.RemoveAll(dir)
	}
}

func abortInstance(states *statestore.Store, rec statestore.Record) {
	manualDir := filepath.Join(rec.Settings.ExperimentDir, itoa(rec.Settings.N)+"-manual-retry")
	abrtDir := filepath.Join(rec.Settings.ExperimentDir, itoa(rec.Settings.N)+"-abrt")
	_ = os.Rename(manualDir, abrtDir)
	_ = tagindex.Rewrite(rec.Settings.ExperimentDir, rec.Settings.N, tagindex.StatusFail, rec.Settings.Message)
	_ = states.Delete(rec.Key)
}

// stalledSince reports whether the record's last progress observation is
// both stale (per Lifecycle's Clock) and unchanged, using the same rule
// RunLifecycle.Resume applies before escalating to MANUAL.
func stalledSince(lifecycle *runlifecycle.Lifecycle, rec statestore.Record) bool {
	if rec.Settings.ProgressDelay < 0 {
		return false
	}
	if rec.State.LastProgress.Timestamp.IsZero() {
		return true
	}
	return lifecycle.Clock.Now().Sub(rec.State.LastProgress.Timestamp) > rec.Settings.ProgressDelay
}

// spawnContinuation resumes key's RunLifecycle phase (run or publish) in a
// background goroutine, backed by a constant-interval retry.Do in place of
// a hand-rolled sleep loop: a resume that fails with KindRunFail gets one
// extra attempt after the retry delay (5s when unset) before the
// continuation is reported failed; any other error is returned at once.
func spawnContinuation(ctx context.Context, lifecycle *runlifecycle.Lifecycle, key string, delay time.Duration) error {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	base, err := retry.NewConstant(delay)
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(1, base)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := lifecycle.Resume(ctx, key)
		if err != nil && outcome.KindOf(err) == outcome.KindRunFail {
			return retry.RetryableError(err)
		}
		return err
	})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
