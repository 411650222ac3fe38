package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestJournal_RecordAndRead(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	if j.Path() != filepath.Join(dir, JournalName) {
		t.Errorf("Unexpected journal path %s", j.Path())
	}

	stamp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := j.Record(JournalEntry{Time: stamp, Event: EventPendingMirror, ID: "a", Backend: "ftp", Error: "timeout"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record(JournalEntry{Event: EventMirrored, ID: "a", Backend: "ftp"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// Readable before Close: every record is flushed
	entries, err := ReadJournal(dir)
	if err != nil {
		t.Fatalf("ReadJournal failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Time.Equal(stamp) {
		t.Errorf("Explicit time not preserved: %v", entries[0].Time)
	}
	if entries[0].Error != "timeout" || entries[0].Event != EventPendingMirror {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].Time.IsZero() {
		t.Error("Record should stamp missing time")
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestJournal_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		j, err := OpenJournal(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := j.Record(JournalEntry{Event: EventDeleteFailed, ID: "x"}); err != nil {
			t.Fatal(err)
		}
		j.Close()
	}

	entries, err := ReadJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries after reopen, got %d", len(entries))
	}
}

func TestReadJournal_Missing(t *testing.T) {
	entries, err := ReadJournal(t.TempDir())
	if err != nil {
		t.Fatalf("Missing journal should not be an error: %v", err)
	}
	if entries != nil {
		t.Errorf("Expected no entries, got %v", entries)
	}
}

func TestReadJournal_Corrupt(t *testing.T) {
	dir := t.TempDir()
	content := `{"event":"mirrored","id":"a"}` + "\n\nnot json\n"
	if err := os.WriteFile(filepath.Join(dir, JournalName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadJournal(dir)
	if err == nil {
		t.Fatal("Expected error for corrupt line")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("Error should name the bad line: %v", err)
	}
}

func TestJournal_ConcurrentRecord(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.Record(JournalEntry{Event: EventReconciled}); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := ReadJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}
