package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// JournalName is the file the divergence journal is kept in, inside the
// local snapshot folder. It starts with '.' so List never reports it.
const JournalName = ".sizif-journal.jsonl"

// Journal event kinds.
const (
	EventPendingMirror = "pending_mirror"
	EventMirrored      = "mirrored"
	EventDeleteFailed  = "delete_failed"
	EventReconciled    = "reconciled"
	EventRemoteOrphan  = "remote_orphan"
)

// JournalEntry records one divergence between the local folder and the
// remote store, or its resolution. Each entry is one JSON line.
type JournalEntry struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	ID      string    `json:"id,omitempty"`
	Backend string    `json:"backend,omitempty"`
	Version string    `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Journal appends JournalEntry lines to a file. Every Record is flushed and
// synced so divergence survives a crash. Safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// OpenJournal opens (or creates) the journal in dir for appending.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, JournalName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Record appends entry, stamping Time when unset.
func (j *Journal) Record(entry JournalEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the journal.
func (j *Journal) Path() string {
	return j.path
}

// ReadJournal returns every entry of the journal in dir. A missing journal
// yields no entries and no error.
func ReadJournal(dir string) ([]JournalEntry, error) {
	file, err := os.Open(filepath.Join(dir, JournalName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	return decodeJournal(file)
}

func decodeJournal(r io.Reader) ([]JournalEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []JournalEntry
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}
