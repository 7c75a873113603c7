package statestore

import (
	"path/filepath"
	"testing"
)

func TestOpenIndexMigratesAndStartsEmpty(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	keys, err := idx.keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys() on a fresh index = %v, want empty", keys)
	}
}

func TestNewWithIndexKeepsCreateDeleteInSync(t *testing.T) {
	s, err := NewWithIndex(t.TempDir())
	if err != nil {
		t.Fatalf("NewWithIndex: %v", err)
	}
	defer s.Index.Close()

	key := NewKey()
	if err := s.Create(key, Settings{TargetTag: "test/run", N: 1}, BuildState{Phase: PhaseBuild}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("List() = %v, want [%q]", keys, key)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	keys, err = s.List()
	if err != nil {
		t.Fatalf("List after Delete: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("List() after Delete = %v, want empty", keys)
	}
}

func TestNewWithIndexMarkBadRenamesInIndexToo(t *testing.T) {
	s, err := NewWithIndex(t.TempDir())
	if err != nil {
		t.Fatalf("NewWithIndex: %v", err)
	}
	defer s.Index.Close()

	key := NewKey()
	if err := s.Create(key, Settings{}, BuildState{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkBad(key); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}

	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == "bad_"+key {
			found = true
		}
	}
	if !found {
		t.Fatalf("List() = %v, want a bad_-prefixed entry", keys)
	}
}

func TestIndexRebuildRepopulatesFromDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir) // no index yet: populate flat files directly
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := NewKey()
	if err := s.Create(key, Settings{TargetTag: "test/run", N: 3}, BuildState{Phase: PhaseRun}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Rebuild(s); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	keys, err := idx.keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("keys() after Rebuild = %v, want [%q]", keys, key)
	}
}
