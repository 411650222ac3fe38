package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// setupTestStore creates a temporary directory and returns a LocalStore for testing.
func setupTestStore(t *testing.T) (*LocalStore, string) {
	t.Helper()

	tempDir := t.TempDir() // Automatically cleaned up after test
	store, err := NewLocalStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

func TestNewLocalStore_CreatesFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")

	if _, err := NewLocalStore(dir); err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Folder was not created: %v", err)
	}
}

func TestNewLocalStore_EmptyFolder(t *testing.T) {
	_, err := NewLocalStore("")
	var lerr *LocalIOError
	if !errors.As(err, &lerr) {
		t.Fatalf("Expected LocalIOError, got %v", err)
	}
}

func TestNewLocalStore_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"crashed")
	if err := os.WriteFile(stale, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, ".keep")
	if err := os.WriteFile(other, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLocalStore(dir); err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale temp file should have been removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("Unrelated hidden file must be left alone")
	}
}

func TestPutGet(t *testing.T) {
	store, tempDir := setupTestStore(t)
	ctx := context.Background()

	blob := []byte("model-state")
	if err := store.Put(ctx, "model_1_0001", blob); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "model_1_0001")); err != nil {
		t.Fatalf("Snapshot file was not created: %v", err)
	}

	got, err := store.Get(ctx, "model_1_0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Blob mismatch: expected %q, got %q", blob, got)
	}

	// No temp files remain
	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 1 {
		t.Errorf("Expected exactly one file in folder, got %d", len(entries))
	}
}

func TestPut_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "a", []byte("second")); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, "a")
	if string(got) != "second" {
		t.Errorf("Expected second write to win, got %q", got)
	}
}

func TestPut_InvalidID(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", ".hidden", "a/b", `a\b`} {
		if err := store.Put(ctx, id, []byte("x")); err == nil {
			t.Errorf("Expected error for id %q", id)
		}
	}
}

func TestPut_FailureLeavesNothingBehind(t *testing.T) {
	store, tempDir := setupTestStore(t)

	// A directory with the target name makes the rename fail.
	if err := os.Mkdir(filepath.Join(tempDir, "blocked"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "blocked", "x"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	err := store.Put(context.Background(), "blocked", []byte("data"))
	var lerr *LocalIOError
	if !errors.As(err, &lerr) {
		t.Fatalf("Expected LocalIOError, got %v", err)
	}

	entries, _ := os.ReadDir(tempDir)
	for _, e := range entries {
		if e.Name() != "blocked" {
			t.Errorf("Unexpected leftover %s", e.Name())
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}

	ids, _ := store.List(ctx)
	if len(ids) != 0 {
		t.Errorf("Expected empty store, got %v", ids)
	}
}

func TestList_SkipsHiddenAndDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.Put(ctx, id, []byte(id)); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(tempDir, JournalName), []byte("{}\n"), 0644)
	os.Mkdir(filepath.Join(tempDir, "subdir"), 0755)

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}
}

func TestStat(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.Put(context.Background(), "a", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	info, err := store.Stat("a")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != 5 {
		t.Errorf("Expected size 5, got %d", info.Size)
	}

	if _, err := store.Stat("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, "a", []byte("x")); err == nil {
		t.Error("Put should fail on cancelled context")
	}
	if _, err := store.List(ctx); err == nil {
		t.Error("List should fail on cancelled context")
	}
}

func TestConcurrentPut(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("snap-%02d", i)
			if err := store.Put(ctx, id, []byte(id)); err != nil {
				t.Errorf("Put %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	ids, _ := store.List(ctx)
	if len(ids) != 20 {
		t.Errorf("Expected 20 snapshots, got %d", len(ids))
	}
}

func TestMemStore(t *testing.T) {
	m := NewMemStore("mem")
	ctx := context.Background()

	if err := m.Put(ctx, "b", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	ids, _ := m.List(ctx)
	if fmt.Sprint(ids) != "[a b]" {
		t.Errorf("Expected sorted ids, got %v", ids)
	}
	if err := m.Delete(ctx, "zz"); err != nil {
		t.Errorf("Deleting absent id should succeed: %v", err)
	}
	if _, err := m.Get(ctx, "zz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if NameOf(m) != "mem" {
		t.Errorf("Expected name mem, got %s", NameOf(m))
	}
}
