package storage

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

func TestIndex(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	x := NewIndex(root)

	t.Run("Next", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := x.Next()
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Errorf("Next = %d, want %d", got, want)
			}
		}
		data, err := os.ReadFile(filepath.Join(root, ".current"))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "3" {
			t.Errorf("counter = %q", data)
		}
	})

	t.Run("Bind", func(t *testing.T) {
		if err := x.Bind(2, []string{"acme", "big project"}); err != nil {
			t.Fatal(err)
		}
		if err := x.Bind(1, []string{"acme", "small"}); err != nil {
			t.Fatal(err)
		}
		id, ok, err := x.Lookup([]string{"acme", "big project"})
		if err != nil || !ok || id != 2 {
			t.Errorf("Lookup = %d, %v, %v", id, ok, err)
		}
		if _, ok, err := x.Lookup([]string{"nope"}); err != nil || ok {
			t.Errorf("Lookup(nope) = %v, %v", ok, err)
		}
		recs, err := x.IDs()
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 || recs[0].ID != 1 || !slices.Equal(recs[1].Key, []string{"acme", "big project"}) {
			t.Errorf("IDs = %+v", recs)
		}
	})

	t.Run("Unbind", func(t *testing.T) {
		if err := x.Unbind(1, []string{"acme", "small"}); err != nil {
			t.Fatal(err)
		}
		if err := x.Unbind(1, []string{"acme", "small"}); err != nil {
			t.Errorf("second Unbind: %v", err)
		}
		recs, err := x.IDs()
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 || recs[0].ID != 2 {
			t.Errorf("IDs = %+v", recs)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(root, ".index", "ids", "junk"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		recs, err := x.IDs()
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Errorf("IDs = %+v", recs)
		}
	})

	t.Run("CorruptedCounter", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(root, ".current"), []byte("many"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := x.Next(); !errors.Is(err, dberrors.ErrStorageError) {
			t.Errorf("expected storage error, got %v", err)
		}
	})
}

func TestIndexConcurrent(t *testing.T) {
	t.Parallel()
	x := NewIndex(t.TempDir())
	const n = 20
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			id, err := x.Next()
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		})
	}
	wg.Wait()
	slices.Sort(ids)
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("ids = %v", ids)
		}
	}
}

func TestIndexShared(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var stores [2]*Store
	for i := range stores {
		s, err := New(dir)
		if err != nil {
			t.Fatal(err)
		}
		stores[i] = s
	}
	if stores[0].Index("projects") != stores[1].Index("projects") {
		t.Fatal("stores on one root do not share the index")
	}
	const n = 100
	ids := make([]int64, 2*n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Go(func() {
			id, err := stores[i%2].Index("projects").Next()
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		})
	}
	wg.Wait()
	slices.Sort(ids)
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("duplicated or missing ids: %v", ids)
		}
	}
}

func TestIndexReserve(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	x := NewIndex(root)
	if err := x.Reserve(5, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if id, err := x.Next(); err != nil || id != 6 {
		t.Errorf("Next = %d, %v, want 6", id, err)
	}
	// Below the counter and free.
	if err := x.Reserve(3, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	if id, err := x.Next(); err != nil || id != 7 {
		t.Errorf("Next = %d, %v, want 7", id, err)
	}
	// Same binding again.
	if err := x.Reserve(5, []string{"a"}); err != nil {
		t.Errorf("Reserve(5, a) again: %v", err)
	}
	for _, id := range []int64{5, 0, -1} {
		if err := x.Reserve(id, []string{"c"}); !errors.Is(err, dberrors.ErrValidationFailed) {
			t.Errorf("Reserve(%d): expected validation error, got %v", id, err)
		}
	}
	id, err := x.Assign([]string{"c"})
	if err != nil || id != 8 {
		t.Fatalf("Assign = %d, %v, want 8", id, err)
	}
	recs, err := x.IDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != 3 || recs[1].ID != 5 || recs[2].ID != 8 {
		t.Errorf("IDs = %+v", recs)
	}
}

func TestEmptyIndex(t *testing.T) {
	t.Parallel()
	recs, err := NewIndex(filepath.Join(t.TempDir(), "missing")).IDs()
	if err != nil || len(recs) != 0 {
		t.Errorf("IDs = %v, %v", recs, err)
	}
}
