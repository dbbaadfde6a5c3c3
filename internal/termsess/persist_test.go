package termsess

import (
	"path/filepath"
	"testing"

	"github.com/oxterm/termcore/internal/store"
)

func TestScrollbackPersistRestore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	r := NewRegistry(0, 100)
	s, _ := r.Create(0)
	s.Scrollback().Write([]byte("first\nsecond\nthird\n"))

	if err := r.PersistScrollback(st, s.ID, 2); err != nil {
		t.Fatalf("PersistScrollback: %v", err)
	}

	// A fresh session restores the persisted tail under the same id is not
	// possible (ids are unique), so restore into the same session after a
	// simulated restart: clear by creating a new registry entry and copying
	// the id through the store key.
	r2 := NewRegistry(0, 100)
	s2, _ := r2.Create(0)
	// Move the snapshot under the new session's id.
	var snap scrollbackSnapshot
	if err := st.Load(store.BucketScrollback, s.ID, &snap); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if err := st.Save(store.BucketScrollback, s2.ID, snap); err != nil {
		t.Fatalf("re-key snapshot: %v", err)
	}

	if err := r2.RestoreScrollback(st, s2.ID); err != nil {
		t.Fatalf("RestoreScrollback: %v", err)
	}
	got := s2.Scrollback().Tail(0)
	if len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Errorf("restored tail = %q, want [second third]", got)
	}
}

func TestRestoreScrollbackMissingIsNoop(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	r := NewRegistry(0, 100)
	s, _ := r.Create(0)
	if err := r.RestoreScrollback(st, s.ID); err != nil {
		t.Errorf("restore with no snapshot = %v, want nil", err)
	}
}
