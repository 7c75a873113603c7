package statestore

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/wwoods/git-results/internal/outcome"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index is a secondary, non-authoritative sqlite cache of which resume keys
// are on disk under a Store's Dir. It exists so Supervisor can answer "which
// records are pending" without a full directory scan once the store holds
// many records; the flat files under Dir remain the source of truth per
// spec §4.5, and a Store with a nil Index falls back to that directory scan
// unconditionally.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the sqlite database at path and
// migrates it to the latest schema with goose.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "open state index")
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, outcome.Wrap(outcome.KindInternal, err, "set goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, outcome.Wrap(outcome.KindInternal, err, "migrate state index")
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// upsert records key as present, overwriting any prior row.
func (i *Index) upsert(key string, settings Settings, state BuildState, bad bool) error {
	_, err := i.db.Exec(
		`INSERT INTO resume_keys (key, target_tag, n, phase, bad, updated_at)
		 VALUES (?, ?, ?, ?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET
		   target_tag=excluded.target_tag, n=excluded.n, phase=excluded.phase,
		   bad=excluded.bad, updated_at=excluded.updated_at`,
		key, settings.TargetTag, settings.N, string(state.Phase), bad,
	)
	if err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "index upsert %s", key)
	}
	return nil
}

func (i *Index) remove(key string) error {
	if _, err := i.db.Exec(`DELETE FROM resume_keys WHERE key = ?`, key); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "index delete %s", key)
	}
	return nil
}

func (i *Index) rename(oldKey, newKey string) error {
	if _, err := i.db.Exec(`UPDATE resume_keys SET key = ?, bad = 1, updated_at = unixepoch() WHERE key = ?`, newKey, oldKey); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "index rename %s -> %s", oldKey, newKey)
	}
	return nil
}

// keys returns every indexed resume-key, including bad_-renamed ones.
func (i *Index) keys() ([]string, error) {
	rows, err := i.db.Query(`SELECT key FROM resume_keys ORDER BY key`)
	if err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "index list")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, outcome.Wrap(outcome.KindInternal, err, "index scan")
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, outcome.Wrap(outcome.KindInternal, err, "index rows")
	}
	return out, nil
}

// Rebuild clears the index and repopulates it from the authoritative
// directory scan, used after bulk filesystem edits the index did not
// observe (e.g. a record dropped in by hand).
func (i *Index) Rebuild(s *Store) error {
	if _, err := i.db.Exec(`DELETE FROM resume_keys`); err != nil {
		return outcome.Wrap(outcome.KindInternal, err, "index clear")
	}
	keys, err := s.scanDir()
	if err != nil {
		return err
	}
	for _, k := range keys {
		rec, err := s.Load(k)
		if err != nil {
			if outcome.KindOf(err) == outcome.KindCorrupt {
				if uerr := i.upsert(k, Settings{}, BuildState{}, true); uerr != nil {
					return uerr
				}
				continue
			}
			return err
		}
		if uerr := i.upsert(k, rec.Settings, rec.State, false); uerr != nil {
			return uerr
		}
	}
	return nil
}
