package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// tempPrefix marks in-flight writes. Names starting with '.' are never
// listed, so a crashed write can never be mistaken for a snapshot.
const tempPrefix = ".sizif-tmp-"

// LocalStore implements Backend on a flat local directory. Each snapshot is
// one file named by its identifier.
//
// Thread-safety: writes go through temp file + rename, so concurrent readers
// never observe partial files. Callers must still ensure a single writer per
// (folder, version) pair, e.g. with an advisory lock on the folder.
type LocalStore struct {
	dir string
}

// NewLocalStore opens dir, creating it when missing, and removes leftovers of
// interrupted writes.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, &LocalIOError{Op: "open", Err: fmt.Errorf("folder cannot be empty")}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &LocalIOError{Op: "open", Err: fmt.Errorf("failed to create folder: %w", err)}
	}

	ls := &LocalStore{dir: dir}
	if err := ls.cleanTemp(); err != nil {
		return nil, err
	}
	return ls, nil
}

// Name implements Named.
func (ls *LocalStore) Name() string { return "local" }

// Dir returns the folder holding the snapshots.
func (ls *LocalStore) Dir() string { return ls.dir }

// Path returns the file path of id.
func (ls *LocalStore) Path(id string) string {
	return filepath.Join(ls.dir, id)
}

func checkID(op, id string) error {
	if id == "" {
		return &LocalIOError{Op: op, Err: fmt.Errorf("id cannot be empty")}
	}
	if strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return &LocalIOError{Op: op, ID: id, Err: fmt.Errorf("invalid snapshot id")}
	}
	return nil
}

// Put writes blob under id atomically (temp file, fsync, rename).
func (ls *LocalStore) Put(ctx context.Context, id string, blob []byte) error {
	if err := checkID("put", id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &LocalIOError{Op: "put", ID: id, Err: err}
	}

	tempPath := filepath.Join(ls.dir, tempPrefix+uuid.NewString())
	if err := writeSynced(tempPath, blob); err != nil {
		os.Remove(tempPath)
		return &LocalIOError{Op: "put", ID: id, Err: fmt.Errorf("failed to write temp file: %w", err)}
	}

	finalPath := ls.Path(id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return &LocalIOError{Op: "put", ID: id, Err: fmt.Errorf("failed to rename temp file: %w", err)}
	}

	slog.Debug("Snapshot written", "snapshot_id", id, "path", finalPath, "bytes", len(blob))
	return nil
}

func writeSynced(path string, blob []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Get reads the blob stored under id.
func (ls *LocalStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := checkID("get", id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &LocalIOError{Op: "get", ID: id, Err: err}
	}

	data, err := os.ReadFile(ls.Path(id))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &LocalIOError{Op: "get", ID: id, Err: err}
	}
	return data, nil
}

// Delete removes id. Removing an absent id succeeds.
func (ls *LocalStore) Delete(ctx context.Context, id string) error {
	if err := checkID("delete", id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &LocalIOError{Op: "delete", ID: id, Err: err}
	}

	err := os.Remove(ls.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return &LocalIOError{Op: "delete", ID: id, Err: err}
	}
	slog.Debug("Snapshot deleted", "snapshot_id", id, "backend", ls.Name())
	return nil
}

// List returns the names of all regular, non-hidden files in the folder.
func (ls *LocalStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LocalIOError{Op: "list", Err: err}
	}

	entries, err := os.ReadDir(ls.dir)
	if err != nil {
		return nil, &LocalIOError{Op: "list", Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

// Stat returns size and modification time of id.
func (ls *LocalStore) Stat(id string) (Info, error) {
	if err := checkID("stat", id); err != nil {
		return Info{}, err
	}
	st, err := os.Stat(ls.Path(id))
	if os.IsNotExist(err) {
		return Info{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return Info{}, &LocalIOError{Op: "stat", ID: id, Err: err}
	}
	return Info{ID: id, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (ls *LocalStore) cleanTemp() error {
	entries, err := os.ReadDir(ls.dir)
	if err != nil {
		return &LocalIOError{Op: "open", Err: err}
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		path := filepath.Join(ls.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove stale temp file", "path", path, "error", err)
			continue
		}
		slog.Info("Removed stale temp file", "path", path)
	}
	return nil
}
