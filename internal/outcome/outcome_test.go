package outcome

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndErrorMessage(t *testing.T) {
	err := New(KindDirty, "working tree at %s is dirty", "/repo")
	if err.Kind != KindDirty {
		t.Fatalf("Kind = %v, want KindDirty", err.Kind)
	}
	want := "Dirty: working tree at /repo is dirty"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(KindInternal, cause, "rename failed")
	if !errors.Is(err, cause) {
		t.Fatalf("Wrap did not preserve Unwrap chain to cause")
	}
	if got := err.Error(); got != "Internal: rename failed: permission denied" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestIsComparesOnlyKind(t *testing.T) {
	err := fmt.Errorf("target tag exists: %w", New(KindTagExists, "results/a/1"))
	if !errors.Is(err, TagExists) {
		t.Fatalf("errors.Is against sentinel should match by Kind regardless of Msg")
	}
	if errors.Is(err, Dirty) {
		t.Fatalf("errors.Is matched the wrong sentinel")
	}
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("KindOf(plain error) = %v, want KindUnknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %v, want KindUnknown", got)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{Stalled, 2},
		{Dirty, 3},
		{TagExists, 3},
		{Invalid, 3},
		{DestinationExists, 3},
		{NotFound, 3},
		{BuildFail, 1},
		{RunFail, 1},
		{Corrupt, 1},
		{Internal, 1},
		{errors.New("unwrapped"), 1},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if Dirty.Kind.String() != "Dirty" {
		t.Fatalf("Kind.String() = %q", Dirty.Kind.String())
	}
	if KindUnknown.String() != "Unknown" {
		t.Fatalf("KindUnknown.String() = %q", KindUnknown.String())
	}
}
