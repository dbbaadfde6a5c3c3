package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oxterm/termcore/internal/cerr"
)

type testRecord struct {
	Name  string `msgpack:"name"`
	Count int    `msgpack:"count"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := openTestStore(t)

	want := testRecord{Name: "tab-1", Count: 42}
	if err := st.Save(BucketSessions, "abc", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got testRecord
	if err := st.Load(BucketSessions, "abc", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestSaveOverwrites(t *testing.T) {
	st := openTestStore(t)

	st.Save(BucketForwards, "r1", testRecord{Name: "old"})
	st.Save(BucketForwards, "r1", testRecord{Name: "new"})

	var got testRecord
	if err := st.Load(BucketForwards, "r1", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "new" {
		t.Errorf("Name = %q, want new", got.Name)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	st := openTestStore(t)
	var got testRecord
	err := st.Load(BucketSessions, "missing", &got)
	if !cerr.Is(err, cerr.NotFound) {
		t.Errorf("Load(missing) = %v, want NotFound", err)
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	st := openTestStore(t)
	if err := st.Delete(BucketSessions, "missing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestListByBucket(t *testing.T) {
	st := openTestStore(t)
	st.Save(BucketSessions, "a", testRecord{})
	st.Save(BucketSessions, "b", testRecord{})
	st.Save(BucketForwards, "c", testRecord{})

	keys, err := st.List(BucketSessions)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List returned %d keys, want 2", len(keys))
	}
}

func TestBucketsIsolateKeys(t *testing.T) {
	st := openTestStore(t)
	st.Save(BucketSessions, "same", testRecord{Name: "s"})
	st.Save(BucketForwards, "same", testRecord{Name: "f"})

	var got testRecord
	if err := st.Load(BucketForwards, "same", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "f" {
		t.Errorf("cross-bucket collision: got %q", got.Name)
	}

	st.Delete(BucketSessions, "same")
	if err := st.Load(BucketForwards, "same", &got); err != nil {
		t.Errorf("delete in one bucket removed the other: %v", err)
	}
}

func TestAsyncForms(t *testing.T) {
	st := openTestStore(t)

	if res := <-st.SaveAsync(BucketTransfers, "t1", testRecord{Count: 7}); res.Err != nil {
		t.Fatalf("SaveAsync: %v", res.Err)
	}

	var got testRecord
	if res := <-st.LoadAsync(BucketTransfers, "t1", &got); res.Err != nil {
		t.Fatalf("LoadAsync: %v", res.Err)
	}
	if got.Count != 7 {
		t.Errorf("Count = %d, want 7", got.Count)
	}

	if res := <-st.ListAsync(BucketTransfers); res.Err != nil || len(res.Keys) != 1 {
		t.Errorf("ListAsync = %v keys, err %v", res.Keys, res.Err)
	}

	if res := <-st.DeleteAsync(BucketTransfers, "t1"); res.Err != nil {
		t.Fatalf("DeleteAsync: %v", res.Err)
	}
	if res := <-st.ListAsync(BucketTransfers); len(res.Keys) != 0 {
		t.Errorf("record survived DeleteAsync")
	}
}

func TestSweepDropsOnlyStale(t *testing.T) {
	st := openTestStore(t)
	st.Save(BucketScrollback, "fresh", testRecord{})

	// Backdate one record past the cutoff.
	stale := record{Bucket: BucketScrollback, Key: "stale", Value: []byte{0x80}, UpdatedAt: time.Now().Add(-48 * time.Hour)}
	if err := st.db.Save(&stale).Error; err != nil {
		t.Fatalf("seed stale record: %v", err)
	}

	n, err := st.Sweep(BucketScrollback, 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d records, want 1", n)
	}
	keys, _ := st.List(BucketScrollback)
	if len(keys) != 1 || keys[0] != "fresh" {
		t.Errorf("surviving keys = %v, want [fresh]", keys)
	}
}
