package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileJournal is the durable event sink: an append-only, line-delimited JSON
// file per UTC day under <root>/logs. Writes go straight to the file so an
// event accepted here survives a crash even when the index shipper loses it.
type FileJournal struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	nowFunc func() time.Time
}

// NewFileJournal creates the journal directory if needed.
func NewFileJournal(telemetryRoot string) (*FileJournal, error) {
	dir := filepath.Join(telemetryRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileJournal{dir: dir, nowFunc: time.Now}, nil
}

// Dir returns the journal directory.
func (j *FileJournal) Dir() string {
	return j.dir
}

// Write appends one event as a single JSON line, rolling to a new file when
// the UTC date changes.
func (j *FileJournal) Write(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	day := j.nowFunc().UTC().Format("2006-01-02")
	if j.file == nil || day != j.day {
		if j.file != nil {
			j.file.Close()
		}
		path := filepath.Join(j.dir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open journal file: %w", err)
		}
		j.file = f
		j.day = day
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal line: %w", err)
	}
	return nil
}

// Close closes the current day's file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
