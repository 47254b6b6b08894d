package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLatestReturnsNewestIteration(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for _, it := range []int{10, 30, 20} {
		cp := Checkpoint{
			RunID:     "run-a",
			Iteration: it,
			Blobs:     map[string][]byte{"actor": {byte(it)}, "critic": {byte(it + 1)}},
			State:     []byte(`{"ok":true}`),
		}
		if err := store.Save(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", it, err)
		}
	}
	if err := store.Save(ctx, Checkpoint{RunID: "run-b", Iteration: 99}); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	got, err := store.Latest(ctx, "run-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Iteration != 30 {
		t.Fatalf("iteration = %d, want 30", got.Iteration)
	}
	if !bytes.Equal(got.Blobs["actor"], []byte{30}) || !bytes.Equal(got.Blobs["critic"], []byte{31}) {
		t.Fatalf("blobs = %v", got.Blobs)
	}
	if string(got.State) != `{"ok":true}` {
		t.Fatalf("state = %s", got.State)
	}
}

func TestLatestMissingRun(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if _, err := store.Latest(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("latest = %v, want ErrNotFound", err)
	}
}

func TestSaveReplacesSameIteration(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, Checkpoint{RunID: "r", Iteration: 1, Blobs: map[string][]byte{"a": {1}, "b": {2}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, Checkpoint{RunID: "r", Iteration: 1, Blobs: map[string][]byte{"a": {3}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Latest(ctx, "r")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got.Blobs) != 1 || got.Blobs["a"][0] != 3 {
		t.Fatalf("blobs = %v, want only a=3", got.Blobs)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for it := 1; it <= 5; it++ {
		if err := store.Save(ctx, Checkpoint{RunID: "r", Iteration: it, Blobs: map[string][]byte{"a": {byte(it)}}}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := store.Prune(ctx, "r", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	var n int
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE run_id = 'r'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("checkpoints = %d, want 2", n)
	}
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM checkpoint_blobs WHERE run_id = 'r'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("blobs = %d, want 2 after cascade", n)
	}
}
