package progress

import "testing"

func TestLabelKnownPhase(t *testing.T) {
	if got := label("build"); got != "building" {
		t.Fatalf("label(build) = %q, want %q", got, "building")
	}
}

func TestLabelUnknownPhasePassesThrough(t *testing.T) {
	if got := label("frobnicate"); got != "frobnicate" {
		t.Fatalf("label(frobnicate) = %q, want passthrough", got)
	}
}

func TestReporterNonTTYIsSafe(t *testing.T) {
	r := &Reporter{tty: false}
	r.Start()
	r.Phase("build")
	r.Progress("42%")
	r.Stop()
}
