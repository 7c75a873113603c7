// Package statestore implements §4.5 StateStore: one directory per active
// run under a user-home store, keyed by an opaque resume-key, holding
// "settings", "build-state", and a pointer to the active staging directory.
// Layout is grounded directly in the original tool's
// ~/.gitresults/<key>/{settings,build-state,staging}; the lifecycle-state
// bookkeeping style (phase enum, retry counter, timestamped samples) is
// grounded on the teacher's repomanager.ManagedRepo/CloneProgress fields.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwoods/git-results/internal/outcome"
)

// Phase is the current RunLifecycle phase recorded in build-state, used by
// Supervisor to decide how to resume a continuation.
type Phase string

const (
	PhaseBuild   Phase = "build"
	PhaseRun     Phase = "run"
	PhasePublish Phase = "publish"
)

// ProgressSample is the latest value of the opaque progress metric and the
// time that value was first observed.
type ProgressSample struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Settings is the configuration portion of a StateRecord, stored in the
// "settings" file. It is written by Create and rewritten by UpdateSettings
// when a later phase records new values (such as CommitSHA).
type Settings struct {
	RepoPath    string            `json:"repo_path"`
	TargetTag   string            `json:"target_tag"`
	BuildCmd    string            `json:"build_cmd"`
	RunCmd      string            `json:"run_cmd"`
	ProgressCmd string            `json:"progress_cmd"`
	StagingDir  string            `json:"staging_dir"`
	RollbackSHA string            `json:"rollback_sha"`
	CommitSHA   string            `json:"commit_sha"`
	ExtraFiles  map[string]string `json:"extra_files"`
	IgnoreRules []string          `json:"ignore_rules"`
	IgnoreExt   []string          `json:"ignore_ext"`
	InPlace     bool              `json:"in_place"`
	N           int               `json:"n"`
	ExperimentDir string          `json:"experiment_dir"`
	RetryDelay  time.Duration     `json:"retry_delay"`
	MaxRetries  int               `json:"max_retries"`
	ProgressDelay time.Duration   `json:"progress_delay"`
	Message     string            `json:"message"`
	ResultFiles []string          `json:"result_files"`
}

// BuildState is the mutable portion of a StateRecord, rewritten by Update as
// the run progresses.
type BuildState struct {
	Phase          Phase          `json:"phase"`
	RetryCount     int            `json:"retry_count"`
	LastProgress   ProgressSample `json:"last_progress"`
	RunFailed      bool           `json:"run_failed"`
}

// Record is the full in-memory view of one StateStore entry.
type Record struct {
	Key      string
	Settings Settings
	State    BuildState
}

// Store manages records under Dir (typically ~/.gitresults). Index is an
// optional sqlite-backed cache of the same keys; when nil, every lookup
// that would otherwise consult it falls back to a directory scan.
type Store struct {
	Dir   string
	Index *Index
}

// New constructs a Store rooted at dir, creating it if necessary, with no
// sqlite index.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "mkdir state store")
	}
	return &Store{Dir: dir}, nil
}

// NewWithIndex is like New but also opens (and migrates) a sqlite index
// alongside the flat-file records, at <dir>/index.db.
func NewWithIndex(dir string) (*Store, error) {
	s, err := New(dir)
	if err != nil {
		return nil, err
	}
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	s.Index = idx
	if err := idx.Rebuild(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recordDir(key string) string {
	return filepath.Join(s.Dir, key)
}

// NewKey generates a fresh opaque resume-key.
func NewKey() string {
	return uuid.NewString()
}

// Create writes a brand-new record, failing if one already exists for key.
func (s *Store) Create(key string, settings Settings, state BuildState) error {
	dir := s.recordDir(key)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "create state record dir")
	}
	if err := writeJSON(filepath.Join(dir, "settings"), settings); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "build-state"), state); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "staging"), []byte(settings.StagingDir), 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write staging pointer")
	}
	if s.Index != nil {
		return s.Index.upsert(key, settings, state, false)
	}
	return nil
}

// Load reads the record for key. A settings file that fails to parse
// returns outcome.Corrupt so the caller (Supervisor) can rename it aside.
func (s *Store) Load(key string) (Record, error) {
	dir := s.recordDir(key)

	var settings Settings
	if err := readJSON(filepath.Join(dir, "settings"), &settings); err != nil {
		return Record{}, outcome.Wrap(outcome.KindCorrupt, err, "unreadable settings for %s", key)
	}

	var state BuildState
	_ = readJSON(filepath.Join(dir, "build-state"), &state) // missing/partial is tolerated

	return Record{Key: key, Settings: settings, State: state}, nil
}

// Update mutates the build-state of an existing record via mutator and
// persists the result.
func (s *Store) Update(key string, mutator func(*BuildState)) error {
	dir := s.recordDir(key)
	var state BuildState
	_ = readJSON(filepath.Join(dir, "build-state"), &state)
	mutator(&state)
	return writeJSON(filepath.Join(dir, "build-state"), state)
}

// UpdateSettings overwrites the settings file of an existing record, used
// when COMMIT discovers the rollback/commit SHAs that weren't yet known at
// Create time.
func (s *Store) UpdateSettings(key string, settings Settings) error {
	dir := s.recordDir(key)
	if err := writeJSON(filepath.Join(dir, "settings"), settings); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "staging"), []byte(settings.StagingDir), 0o644)
}

// Delete removes a record entirely.
func (s *Store) Delete(key string) error {
	if err := os.RemoveAll(s.recordDir(key)); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "delete state record")
	}
	if s.Index != nil {
		return s.Index.remove(key)
	}
	return nil
}

// MarkBad renames an unparseable record aside with a "bad_" prefix so
// Supervisor stops retrying it, per spec §4.6.
func (s *Store) MarkBad(key string) error {
	src := s.recordDir(key)
	dst := s.recordDir("bad_" + key)
	if err := os.Rename(src, dst); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "rename corrupt record")
	}
	if s.Index != nil {
		return s.Index.rename(key, "bad_"+key)
	}
	return nil
}

// List returns every resume-key currently present (including bad_-prefixed
// and test-fixture-prefixed ones; callers filter as needed). When an Index
// is attached it answers from there; otherwise it falls back to scanDir.
func (s *Store) List() ([]string, error) {
	if s.Index != nil {
		return s.Index.keys()
	}
	return s.scanDir()
}

// scanDir is the authoritative directory scan List falls back to without an
// Index, and that Index.Rebuild uses to repopulate the cache from scratch.
func (s *Store) scanDir() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "list state store")
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// PurgeTestFixtures removes every record whose name begins with prefix,
// used by test setup to clean leftover fixtures between runs (mirrors the
// original's "rtest"-prefix purge in GrTest.setUpClass).
func (s *Store) PurgeTestFixtures(prefix string) error {
	keys, err := s.List()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			if err := s.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "marshal %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "write %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // state store path is internally constructed
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
