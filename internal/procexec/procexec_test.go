package procexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRealRunCapturesExitCodeAndStreams(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")
	errFile := filepath.Join(dir, "err")

	res, err := (Real{}).Run(context.Background(), Spec{
		Command:    "echo hi; echo oops 1>&2; exit 3",
		Env:        MinimalEnv(),
		StdoutFile: outFile,
		StderrFile: errFile,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}

	out, _ := os.ReadFile(outFile)
	if string(out) != "hi\n" {
		t.Fatalf("stdout file = %q, want %q", out, "hi\n")
	}
	errOut, _ := os.ReadFile(errFile)
	if string(errOut) != "oops\n" {
		t.Fatalf("stderr file = %q, want %q", errOut, "oops\n")
	}
}

func TestRealRunBuffersWhenNoFilesGiven(t *testing.T) {
	res, err := (Real{}).Run(context.Background(), Spec{Command: "echo buffered"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if string(res.Stdout) != "buffered\n" {
		t.Fatalf("Stdout = %q", res.Stdout)
	}
}

func TestMinimalEnvOnlyCarriesPath(t *testing.T) {
	env := MinimalEnv()
	if len(env) != 1 {
		t.Fatalf("MinimalEnv() = %v, want exactly one PATH entry", env)
	}
}

func TestFakeRunScriptsResultsInOrder(t *testing.T) {
	f := &Fake{
		Results: []Result{{ExitCode: 0}, {ExitCode: 1}},
		Errs:    []error{nil, nil},
	}
	ctx := context.Background()

	r1, _ := f.Run(ctx, Spec{Command: "first"})
	r2, _ := f.Run(ctx, Spec{Command: "second"})

	if r1.ExitCode != 0 || r2.ExitCode != 1 {
		t.Fatalf("results out of order: %+v, %+v", r1, r2)
	}
	if f.LastCommand() != "second" {
		t.Fatalf("LastCommand() = %q, want %q", f.LastCommand(), "second")
	}
}

func TestFakeRunRepeatsLastResultWhenExhausted(t *testing.T) {
	f := &Fake{Results: []Result{{ExitCode: 7}}}
	ctx := context.Background()

	_, _ = f.Run(ctx, Spec{Command: "a"})
	r2, _ := f.Run(ctx, Spec{Command: "b"})
	r3, _ := f.Run(ctx, Spec{Command: "c"})

	if r2.ExitCode != 7 || r3.ExitCode != 7 {
		t.Fatalf("Fake should repeat the last scripted result once exhausted")
	}
}

func TestFakeRunWritesScriptedStreamsToFiles(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")
	f := &Fake{Results: []Result{{Stdout: []byte("scripted\n")}}}

	_, err := f.Run(context.Background(), Spec{Command: "x", StdoutFile: outFile})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := os.ReadFile(outFile)
	if string(got) != "scripted\n" {
		t.Fatalf("stdout file = %q", got)
	}
}
