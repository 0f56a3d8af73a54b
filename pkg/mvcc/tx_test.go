package mvcc

import (
	"testing"

	"github.com/nainya/graphcore/pkg/storage"
)

func TestInsertStagesFourRecords(t *testing.T) {
	tx := New(5, true)
	if err := tx.Insert("t", 1, []byte("row-bytes"), 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if m, ok := tx.Get("t", storage.DataKey(1)); !ok || string(m.Val) != "row-bytes" {
		t.Fatalf("expected DATA record staged, got %+v ok=%v", m, ok)
	}
	if _, ok := tx.Get("t", storage.MvccKey(1, storage.MvccTagXmin, 5)); !ok {
		t.Fatal("expected xmin marker staged")
	}
	if _, ok := tx.Get("t", storage.MvccKey(1, storage.MvccTagXmax, storage.TxIdInvalid)); !ok {
		t.Fatal("expected xmax-invalid sentinel staged")
	}
	if m, ok := tx.Get("t", storage.OriginKey(1)); !ok || string(m.Val) != string(storage.DataKey(storage.DataKeyInvalid)) {
		t.Fatalf("expected origin record pointing at DataKeyInvalid, got %+v ok=%v", m, ok)
	}
}

func TestUpdateChainsOriginAndDeletesOldRow(t *testing.T) {
	tx := New(7, true)
	if err := tx.Update("t", 100, 101, []byte("new-bytes")); err != nil {
		t.Fatalf("update: %v", err)
	}

	if m, ok := tx.Get("t", storage.OriginKey(101)); !ok || string(m.Val) != string(storage.DataKey(100)) {
		t.Fatalf("expected new row's origin to point at old row, got %+v ok=%v", m, ok)
	}
	if _, ok := tx.Get("t", storage.MvccKey(100, storage.MvccTagXmax, 7)); !ok {
		t.Fatal("expected xmax record staged on the old row")
	}
	if !tx.HasDeleted("t", 100) {
		t.Fatal("expected old row marked deleted within this tx")
	}
}

func TestDoubleInsertOfSameRowIsConflict(t *testing.T) {
	tx := New(1, true)
	if err := tx.Insert("t", 5, []byte("a"), 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tx.Insert("t", 5, []byte("b"), 0); err == nil {
		t.Fatal("expected conflict inserting the same rowId twice in one tx")
	}
}

func TestRollbackClearsBuffer(t *testing.T) {
	tx := New(1, true)
	if err := tx.Insert("t", 5, []byte("a"), 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx.Rollback()
	if _, ok := tx.Get("t", storage.DataKey(5)); ok {
		t.Fatal("expected rollback to clear the mutation buffer")
	}
}

func TestForEachVisitsInKeyOrder(t *testing.T) {
	tx := New(1, true)
	if err := tx.Insert("t", 5, []byte("a"), 0); err != nil {
		t.Fatalf("insert 5: %v", err)
	}
	if err := tx.Insert("t", 2, []byte("b"), 0); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	var keys [][]byte
	tx.ForEach("t", func(key []byte, mut Mutation) bool {
		keys = append(keys, key)
		return true
	})
	for i := 1; i < len(keys); i++ {
		if string(keys[i-1]) > string(keys[i]) {
			t.Fatalf("expected keys in sorted order, got %v", keys)
		}
	}
}
