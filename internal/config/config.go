// Package config loads git-results.yaml files and resolves the hierarchical,
// directory-scoped command/ignore settings the spec treats as an external
// collaborator (§1: "Config-file syntax and precedence rules" is out of
// scope for the core). This package still has to exist for RunLifecycle to
// have something to call, so it's built the way the rest of this codebase
// is: yaml.v3 for parsing (adopted from the pack's docbuilder/gitforge use,
// see SPEC_FULL.md), explicit structs, no reflection-magic frameworks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section is one directory-scoped block of a git-results.yaml file, keyed by
// the absolute-from-repo-root directory it applies to (e.g. "/", "/results").
type Section struct {
	Build       string            `yaml:"build"`
	Run         string            `yaml:"run"`
	Progress    string            `yaml:"progress"`
	Follow      string            `yaml:"follow"`
	Ignore      []string          `yaml:"ignore"`
	IgnoreExt   []string          `yaml:"ignoreExt"`
	Vars        map[string]string `yaml:"vars"`
	ResultFiles []string          `yaml:"resultFiles"`
}

// rawFile mirrors the on-disk shape: a map from directory path to section,
// since YAML's top-level inline-map trick doesn't round-trip cleanly through
// a named struct field.
type rawFile map[string]Section

// Resolved is the effective configuration for one target tag path, after
// merging every section from the repo root down to the target's directory,
// innermost section overriding outer ones field-by-field (never wholesale),
// matching the original's directory-hierarchy precedence.
type Resolved struct {
	Build       string
	Run         string
	Progress    string
	Follow      string
	Ignore      []string
	IgnoreExt   []string
	Vars        map[string]string
	ResultFiles []string
}

// Load reads and merges every git-results.yaml found between repoRoot and
// targetDir (inclusive), most-specific last, consistent with the original's
// per-directory config resolution.
func Load(repoRoot, targetDir string) (Resolved, error) {
	rel, err := filepath.Rel(repoRoot, targetDir)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve target directory: %w", err)
	}
	rel = filepath.ToSlash(rel)

	var dirs []string
	dirs = append(dirs, "/")
	if rel != "." && rel != "" {
		parts := strings.Split(rel, "/")
		acc := ""
		for _, p := range parts {
			acc += "/" + p
			dirs = append(dirs, acc)
		}
	}

	var out Resolved
	out.Vars = map[string]string{}

	seen := map[string]struct{}{}
	cur := repoRoot
	for {
		path := filepath.Join(cur, "git-results.yaml")
		if _, err := os.Stat(path); err == nil {
			f, err := parseFile(path)
			if err != nil {
				return Resolved{}, err
			}
			relDir, _ := filepath.Rel(repoRoot, cur)
			relDir = "/" + filepath.ToSlash(relDir)
			if relDir == "/." {
				relDir = "/"
			}
			if sec, ok := f[relDir]; ok {
				mergeSection(&out, sec)
				seen[relDir] = struct{}{}
			}
		}
		if cur == targetDir {
			break
		}
		next := nextDirTowards(cur, targetDir)
		if next == "" || next == cur {
			break
		}
		cur = next
	}

	// Also merge, in sorted key order, every section of the repo-root
	// git-results.yaml that the directory walk above did not reach and
	// whose key is a prefix of "/"+rel (a single shared file listing
	// multiple sections, as the original format allows).
	path := filepath.Join(repoRoot, "git-results.yaml")
	if _, err := os.Stat(path); err == nil {
		f, err := parseFile(path)
		if err != nil {
			return Resolved{}, err
		}
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			if !strings.HasPrefix("/"+rel, k) {
				continue
			}
			mergeSection(&out, f[k])
		}
	}

	return out, nil
}

func parseFile(path string) (rawFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f rawFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

func mergeSection(out *Resolved, sec Section) {
	if sec.Build != "" {
		out.Build = sec.Build
	}
	if sec.Run != "" {
		out.Run = sec.Run
	}
	if sec.Progress != "" {
		out.Progress = sec.Progress
	}
	if sec.Follow != "" {
		out.Follow = sec.Follow
	}
	if len(sec.Ignore) > 0 {
		out.Ignore = append(out.Ignore, sec.Ignore...)
	}
	if len(sec.IgnoreExt) > 0 {
		out.IgnoreExt = append(out.IgnoreExt, sec.IgnoreExt...)
	}
	if len(sec.ResultFiles) > 0 {
		out.ResultFiles = append(out.ResultFiles, sec.ResultFiles...)
	}
	for k, v := range sec.Vars {
		out.Vars[k] = v
	}
}

// nextDirTowards returns the next path component of targetDir below cur, or
// "" once cur == targetDir.
func nextDirTowards(cur, targetDir string) string {
	rel, err := filepath.Rel(cur, targetDir)
	if err != nil || rel == "." {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return filepath.Join(cur, parts[0])
}

// ExpandVars substitutes {tag} and {varName} references in s using tag and
// vars, performing a fixed-point pass bounded by len(vars)+3 substitution
// passes and failing if expansion never converges (spec §9, "Dynamic config
// expansion with cycles"). The error names the string being expanded; it
// does not list the variables that form the cycle.
func ExpandVars(s, tag string, vars map[string]string) (string, error) {
	all := map[string]string{"tag": tag}
	for k, v := range vars {
		all[k] = v
	}

	cur := s
	for i := 0; i <= len(all)+1; i++ {
		next, changed := expandOnce(cur, all)
		if !changed {
			return next, nil
		}
		cur = next
	}

	return "", fmt.Errorf("cyclic variable reference while expanding %q", s)
}

func expandOnce(s string, vars map[string]string) (string, bool) {
	var b strings.Builder
	changed := false
	i := 0
	for i < len(s) {
		if s[i] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end >= 0 {
				name := s[i+1 : i+end]
				if val, ok := vars[name]; ok {
					b.WriteString(val)
					i += end + 1
					changed = true
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), changed
}
