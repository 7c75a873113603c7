// Package tagindex implements §4.3 TagIndex: the append-only per-experiment
// INDEX ledger. Lines look like "N (SSSS) - message", where SSSS is exactly
// four characters ("  ok", "fail", "gone", "move"). Multiple lines may share
// an N; the newest line wins for "current state" queries.
package tagindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/wwoods/git-results/internal/outcome"
)

// Status is one of the four fixed-width INDEX status strings.
type Status string

const (
	StatusOK   Status = "  ok"
	StatusFail Status = "fail"
	StatusGone Status = "gone"
	StatusMove Status = "move"
)

const indexFileName = "INDEX"

var lineRe = regexp.MustCompile(`^(\d+) \((.{4})\) - (.*)$`)

// Entry is one parsed INDEX line.
type Entry struct {
	N       int
	Status  Status
	Message string
}

func indexPath(experimentDir string) string {
	return filepath.Join(experimentDir, indexFileName)
}

// sanitizeMessage collapses embedded newlines to spaces and trims
// surrounding whitespace, per spec §4.3.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.TrimSpace(msg)
}

// Append adds a new "N (SSSS) - message" line to experimentDir's INDEX,
// creating the file and experiment directory if necessary.
func Append(experimentDir string, n int, status Status, message string) error {
	if err := os.MkdirAll(experimentDir, 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "mkdir experiment dir")
	}
	f, err := os.OpenFile(indexPath(experimentDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "open INDEX for append")
	}
	defer f.Close()

	line := fmt.Sprintf("%d (%s) - %s\n", n, string(status), sanitizeMessage(message))
	if _, err := f.WriteString(line); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write INDEX line")
	}
	return nil
}

// Rewrite overwrites the latest line matching N, preserving every other line
// verbatim and in place. Used by TreeOps when an instance is moved or its
// status changes.
func Rewrite(experimentDir string, n int, status Status, message string) error {
	path := indexPath(experimentDir)
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	target := -1
	for i, l := range lines {
		e, ok := parseLine(l)
		if ok && e.N == n {
			target = i // keep overwriting; last match wins
		}
	}
	if target < 0 {
		return outcome.New(outcome.KindNotFound, "no INDEX entry for %d in %s", n, experimentDir)
	}

	lines[target] = fmt.Sprintf("%d (%s) - %s", n, string(status), sanitizeMessage(message))

	return writeLines(path, lines)
}

// Read returns the most recent entry for n in experimentDir, or NotIndexed
// (outcome.NotFound) if absent.
func Read(experimentDir string, n int) (Entry, error) {
	lines, err := readLines(indexPath(experimentDir))
	if err != nil {
		return Entry{}, err
	}

	var found Entry
	ok := false
	for _, l := range lines {
		e, valid := parseLine(l)
		if valid && e.N == n {
			found = e
			ok = true
		}
	}
	if !ok {
		return Entry{}, outcome.New(outcome.KindNotFound, "no INDEX entry for %d in %s", n, experimentDir)
	}
	return found, nil
}

// NextNumber returns 1 + the maximum of every numeric instance-directory
// name under experimentDir and every N parsed from INDEX, so that a later
// run reuses neither a live nor a historical instance number even after
// directories have been manually removed.
func NextNumber(experimentDir string) (int, error) {
	max := 0

	entries, err := os.ReadDir(experimentDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, outcome.Wrap(outcome.KindInternal, err, "read experiment dir")
	}
	for _, e := range entries {
		name := e.Name()
		// Strip any of the known suffixes to recover the bare integer.
		for _, suffix := range []string{"-fail", "-run", "-manual-retry", "-abrt"} {
			name = strings.TrimSuffix(name, suffix)
		}
		if v, err := strconv.Atoi(name); err == nil && v > max {
			max = v
		}
	}

	lines, err := readLines(indexPath(experimentDir))
	if err != nil {
		return 0, err
	}
	for _, l := range lines {
		if e, ok := parseLine(l); ok && e.N > max {
			max = e.N
		}
	}

	return max + 1, nil
}

func parseLine(line string) (Entry, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Entry{}, false
	}
	return Entry{N: n, Status: Status(m[2]), Message: m[3]}, true
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // index path is internally constructed
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, outcome.Wrap(outcome.KindInternal, err, "open INDEX")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "scan INDEX")
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write INDEX")
	}
	return nil
}
