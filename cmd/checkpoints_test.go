package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/sizif/internal/config"
	"github.com/cwbudde/sizif/internal/naming"
	"github.com/cwbudde/sizif/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.Checkpoint.Folder = t.TempDir()
	c.Checkpoint.KeepCount = 2
	c.Training.Objective = "sphere"
	c.Training.Dim = 2
	c.Training.Epochs = 3
	c.Training.ItersPerEpoch = 5
	c.Training.PopSize = 20
	require.NoError(t, c.Validate())
	return c
}

// seedSnapshots writes one snapshot per val_loss value, iterations from 1.
func seedSnapshots(t *testing.T, c *config.Config, values ...float64) []string {
	t.Helper()
	scheme, err := naming.New(c.Checkpoint.Version, c.Checkpoint.Template)
	require.NoError(t, err)
	local, err := store.NewLocalStore(c.Checkpoint.Folder)
	require.NoError(t, err)

	ids := make([]string, len(values))
	for i, v := range values {
		id, err := scheme.Render(i+1, map[string]float64{"val_loss": v})
		require.NoError(t, err)
		require.NoError(t, local.Put(context.Background(), id, []byte(`{"params":[1,2]}`)))
		ids[i] = id
	}
	return ids
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatBytes(tt.bytes), "formatBytes(%d)", tt.bytes)
	}
}

func TestListCheckpoints_NoCheckpoints(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listCheckpoints(context.Background(), &out, testConfig(t), 0))
	assert.Contains(t, out.String(), "No snapshots found.")
}

func TestListCheckpoints_WithCheckpoints(t *testing.T) {
	c := testConfig(t)
	ids := seedSnapshots(t, c, 0.5, 0.2, 0.3)

	var out bytes.Buffer
	require.NoError(t, listCheckpoints(context.Background(), &out, c, 0))

	text := out.String()
	for _, id := range ids {
		assert.Contains(t, text, id)
	}
	assert.Contains(t, text, "VAL_LOSS")
	assert.Contains(t, text, "Total snapshots: 3 (1 beyond keep count)")

	// Best first: iteration 2 heads the table, iteration 1 is evicted last.
	lines := strings.Split(text, "\n")
	assert.True(t, strings.HasPrefix(lines[2], ids[1]), "got %q", lines[2])
	assert.True(t, strings.HasPrefix(lines[4], ids[0]), "got %q", lines[4])
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[4]), "no"))
}

func TestListCheckpoints_Journal(t *testing.T) {
	c := testConfig(t)
	j, err := store.OpenJournal(c.Checkpoint.Folder)
	require.NoError(t, err)
	require.NoError(t, j.Record(store.JournalEntry{Event: store.EventDeleteFailed, ID: "model_1_x", Backend: "ftp", Error: "550 denied"}))
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, listCheckpoints(context.Background(), &out, c, 5))
	assert.Contains(t, out.String(), "Journal:")
	assert.Contains(t, out.String(), "550 denied")
}

func TestCleanCheckpoints_Unbounded(t *testing.T) {
	c := testConfig(t)
	c.Checkpoint.KeepCount = 0

	err := cleanCheckpoints(context.Background(), &bytes.Buffer{}, strings.NewReader(""), c, true)
	assert.Error(t, err)
}

func TestCleanCheckpoints_Abort(t *testing.T) {
	c := testConfig(t)
	c.Checkpoint.KeepCount = 1
	seedSnapshots(t, c, 0.5, 0.2, 0.3)

	var out bytes.Buffer
	require.NoError(t, cleanCheckpoints(context.Background(), &out, strings.NewReader("n\n"), c, false))
	assert.Contains(t, out.String(), "Found 2 snapshot(s) to delete")
	assert.Contains(t, out.String(), "Aborted.")

	local, err := store.NewLocalStore(c.Checkpoint.Folder)
	require.NoError(t, err)
	ids, err := local.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestCleanCheckpoints_WithForce(t *testing.T) {
	c := testConfig(t)
	c.Checkpoint.KeepCount = 1
	ids := seedSnapshots(t, c, 0.5, 0.2, 0.3)

	var out bytes.Buffer
	require.NoError(t, cleanCheckpoints(context.Background(), &out, strings.NewReader(""), c, true))
	assert.Contains(t, out.String(), "Deleted 2 snapshot(s), 0 could not be deleted.")

	local, err := store.NewLocalStore(c.Checkpoint.Folder)
	require.NoError(t, err)
	left, err := local.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, left)

	var nothing bytes.Buffer
	require.NoError(t, cleanCheckpoints(context.Background(), &nothing, strings.NewReader(""), c, true))
	assert.Contains(t, nothing.String(), "No snapshots beyond the keep count.")
}

func TestRestore(t *testing.T) {
	c := testConfig(t)

	var out bytes.Buffer
	require.NoError(t, runRestore(context.Background(), &out, c, ""))
	assert.Contains(t, out.String(), "No snapshot found.")

	ids := seedSnapshots(t, c, 0.5, 0.2)
	dest := filepath.Join(t.TempDir(), "best.json")
	out.Reset()
	require.NoError(t, runRestore(context.Background(), &out, c, dest))
	assert.Contains(t, out.String(), ids[1])
	assert.Contains(t, out.String(), "Iteration: 2")

	blob, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, `{"params":[1,2]}`, string(blob))
}
