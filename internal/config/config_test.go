package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMergesRootAndNestedSections(t *testing.T) {
	repo := t.TempDir()
	writeYAML(t, repo, "git-results.yaml", `
/:
  build: "make"
  run: "./a.out"
  ignore: ["*.log"]
/results/test:
  run: "./a.out --fast"
  vars:
    flavor: spicy
`)
	targetDir := filepath.Join(repo, "results", "test")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	resolved, err := Load(repo, targetDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.Build != "make" {
		t.Fatalf("Build = %q, want inherited from root section", resolved.Build)
	}
	if resolved.Run != "./a.out --fast" {
		t.Fatalf("Run = %q, want the nested section to override", resolved.Run)
	}
	if len(resolved.Ignore) != 1 || resolved.Ignore[0] != "*.log" {
		t.Fatalf("Ignore = %v, want [*.log] inherited from root", resolved.Ignore)
	}
	if resolved.Vars["flavor"] != "spicy" {
		t.Fatalf("Vars[flavor] = %q", resolved.Vars["flavor"])
	}
}

func TestLoadResultFilesSection(t *testing.T) {
	repo := t.TempDir()
	writeYAML(t, repo, "git-results.yaml", `
/:
  resultFiles: ["model.pt", "metrics.json"]
`)
	resolved, err := Load(repo, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(resolved.ResultFiles) != 2 {
		t.Fatalf("ResultFiles = %v", resolved.ResultFiles)
	}
}

func TestLoadWithNoConfigFileIsEmptyNotError(t *testing.T) {
	repo := t.TempDir()
	resolved, err := Load(repo, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.Build != "" || resolved.Run != "" {
		t.Fatalf("Resolved = %+v, want zero value", resolved)
	}
}

func TestExpandVarsSubstitutesTagAndCustomVars(t *testing.T) {
	got, err := ExpandVars("cp out {tag}/work", "results/test/run/3", nil)
	if err != nil {
		t.Fatalf("ExpandVars: %v", err)
	}
	if got != "cp out results/test/run/3/work" {
		t.Fatalf("ExpandVars = %q", got)
	}

	got, err = ExpandVars("{greeting}, {tag}", "exp/1", map[string]string{"greeting": "hi"})
	if err != nil {
		t.Fatalf("ExpandVars: %v", err)
	}
	if got != "hi, exp/1" {
		t.Fatalf("ExpandVars = %q", got)
	}
}

func TestExpandVarsIndirectChain(t *testing.T) {
	vars := map[string]string{"a": "{b}", "b": "final"}
	got, err := ExpandVars("{a}", "tag", vars)
	if err != nil {
		t.Fatalf("ExpandVars: %v", err)
	}
	if got != "final" {
		t.Fatalf("ExpandVars = %q, want final", got)
	}
}

func TestExpandVarsDetectsCycle(t *testing.T) {
	vars := map[string]string{"a": "{b}", "b": "{a}"}
	_, err := ExpandVars("{a}", "tag", vars)
	if err == nil {
		t.Fatalf("ExpandVars should fail on a cyclic reference")
	}
}

func TestExpandVarsUnknownNameLeftVerbatim(t *testing.T) {
	got, err := ExpandVars("{nope}", "tag", nil)
	if err != nil {
		t.Fatalf("ExpandVars: %v", err)
	}
	if got != "{nope}" {
		t.Fatalf("ExpandVars = %q, want unknown braces left untouched", got)
	}
}
