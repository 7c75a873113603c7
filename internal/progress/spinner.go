// Package progress renders RunLifecycle's phase transitions and live
// progress-metric samples to the terminal. Adapted from the teacher's
// termcolor-driven braille spinner into a pterm-backed one (CLI
// spinners/progress bars in the teacher's cmd/gitcli), since pterm already
// gates on TTY detection and supports updating a spinner's text in place,
// which a RunLifecycle.Reporter needs for the live progress-metric line.
package progress

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"

	"github.com/wwoods/git-results/internal/termcolor"
)

// phaseLabels maps the RunLifecycle phase names passed to Reporter.Phase
// into the text shown alongside the spinner.
var phaseLabels = map[string]string{
	"prepare": "preparing",
	"commit":  "committing working tree",
	"build":   "building",
	"run":     "running",
	"publish": "publishing",
	"rollback": "rolling back",
	"manual":  "waiting for manual retry",
}

// Reporter renders lifecycle phase and progress-metric updates with a
// single live spinner when stderr is a TTY; otherwise phase and progress
// updates are written to stderr as plain lines.
type Reporter struct {
	spinner *pterm.SpinnerPrinter
	phase   string
	tty     bool
}

// NewReporter constructs a Reporter. Call Start before the first Phase/
// Progress call and Stop once the run has reached a terminal state.
func NewReporter() *Reporter {
	return &Reporter{tty: termcolor.IsTerminal(os.Stderr.Fd())}
}

// Start begins the spinner animation, a no-op when stderr isn't a TTY.
func (r *Reporter) Start() {
	if !r.tty {
		return
	}
	sp, _ := pterm.DefaultSpinner.WithWriter(os.Stderr).Start("starting")
	r.spinner = sp
}

// Stop halts the spinner, clearing its line.
func (r *Reporter) Stop() {
	if r.spinner != nil {
		_ = r.spinner.Stop()
	}
}

// Phase updates the displayed phase label.
func (r *Reporter) Phase(phase string) {
	r.phase = phase
	if !r.tty {
		fmt.Fprintf(os.Stderr, "%s\n", label(phase))
		return
	}
	if r.spinner != nil {
		r.spinner.UpdateText(label(phase))
	}
}

// Progress appends the latest progress-metric sample to the current phase
// line.
func (r *Reporter) Progress(sample string) {
	if sample == "" {
		return
	}
	if !r.tty {
		fmt.Fprintf(os.Stderr, "%s: %s\n", label(r.phase), sample)
		return
	}
	if r.spinner != nil {
		r.spinner.UpdateText(fmt.Sprintf("%s: %s", label(r.phase), sample))
	}
}

func label(phase string) string {
	if l, ok := phaseLabels[phase]; ok {
		return l
	}
	return phase
}
