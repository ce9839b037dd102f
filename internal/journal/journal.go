package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/medulla-ai/medulla/internal/observability"
)

const entryDirName = "captains_log"

var titleCaser = cases.Title(language.English)

// Journal stores captain's-log entries as pretty-printed JSON files under
// <telemetryRoot>/captains_log/. Entry ids are CL-YYYY-MM-DD-NNN, numbered
// per day. An fsnotify watcher picks up operator status edits.
type Journal struct {
	dir    string
	logger *observability.Logger
	events *observability.EventLog
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures the journal.
type Option func(*Journal)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// Open loads existing entries and prepares the journal directory.
func Open(telemetryRoot string, logger *observability.Logger, events *observability.EventLog, opts ...Option) (*Journal, error) {
	dir := filepath.Join(telemetryRoot, entryDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{
		dir:     dir,
		logger:  logger,
		events:  events,
		now:     time.Now,
		entries: make(map[string]*Entry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	glob, err := filepath.Glob(filepath.Join(j.dir, "CL-*.json"))
	if err != nil {
		return fmt.Errorf("scan journal dir: %w", err)
	}
	for _, path := range glob {
		entry, err := readEntryFile(path)
		if err != nil {
			j.logger.Warn(context.Background(), "skipping unreadable journal entry",
				"path", filepath.Base(path), "error", err)
			continue
		}
		j.entries[entry.ID] = entry
	}
	return nil
}

// Append creates a new entry in awaiting_approval. The title is normalized
// to title case.
func (j *Journal) Append(ctx context.Context, entry Entry) (*Entry, error) {
	if _, err := ParseEntryType(string(entry.Type)); err != nil {
		return nil, err
	}
	now := j.now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()

	entry.ID = j.nextIDLocked(now)
	entry.Timestamp = now
	entry.Title = titleCaser.String(strings.TrimSpace(entry.Title))
	entry.Status = StatusAwaitingApproval

	if err := j.writeLocked(&entry); err != nil {
		return nil, err
	}
	j.entries[entry.ID] = &entry

	if j.events != nil {
		j.events.Emit(ctx, observability.Event{
			Type:      observability.EventCaptainsLogCreated,
			Component: "journal",
			Data:      map[string]any{"entry_id": entry.ID, "type": string(entry.Type), "title": entry.Title},
		})
	}
	clone := entry
	return &clone, nil
}

// nextIDLocked allocates CL-YYYY-MM-DD-NNN, continuing the day's sequence.
func (j *Journal) nextIDLocked(now time.Time) string {
	date := now.Format("2006-01-02")
	prefix := "CL-" + date + "-"
	max := 0
	for id := range j.entries {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimPrefix(id, prefix), "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1)
}

// Get returns a copy of one entry.
func (j *Journal) Get(id string) (*Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.entries[id]
	if !ok {
		return nil, false
	}
	clone := *entry
	return &clone, true
}

// List returns entries sorted by id descending (newest first), optionally
// filtered by status.
func (j *Journal) List(status EntryStatus) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, 0, len(j.entries))
	for _, entry := range j.entries {
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out
}

// SetStatus moves an entry along the review state machine. Illegal edges,
// including any attempt to leave approved, rejected or implemented for an
// earlier state, fail.
func (j *Journal) SetStatus(ctx context.Context, id string, to EntryStatus) error {
	if _, err := ParseEntryStatus(string(to)); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("journal entry %q not found", id)
	}
	if entry.Status == to {
		return nil
	}
	if !CanTransition(entry.Status, to) {
		return fmt.Errorf("journal entry %s: illegal status transition %s -> %s", id, entry.Status, to)
	}

	entry.Status = to
	if err := j.writeLocked(entry); err != nil {
		return err
	}

	if j.events != nil {
		j.events.Emit(ctx, observability.Event{
			Type:      observability.EventCaptainsLogCommitted,
			Component: "journal",
			Data:      map[string]any{"entry_id": id, "status": string(to)},
		})
	}
	return nil
}

func (j *Journal) writeLocked(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	path := filepath.Join(j.dir, entry.ID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Watch starts the operator-edit watcher. A write to an entry file whose
// status field moved along a legal edge is adopted and committed; illegal
// edits are reverted on disk.
func (j *Journal) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("journal watcher: %w", err)
	}
	if err := watcher.Add(j.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch journal dir: %w", err)
	}
	j.watcher = watcher

	go j.watchLoop(ctx)
	return nil
}

func (j *Journal) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case event, ok := <-j.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasPrefix(name, "CL-") || !strings.HasSuffix(name, ".json") {
				continue
			}
			j.reconcile(ctx, event.Name)
		case err, ok := <-j.watcher.Errors:
			if !ok {
				return
			}
			j.logger.Warn(ctx, "journal watcher error", "error", err)
		}
	}
}

// reconcile folds an on-disk edit back into the in-memory state.
func (j *Journal) reconcile(ctx context.Context, path string) {
	edited, err := readEntryFile(path)
	if err != nil {
		j.logger.Warn(ctx, "ignoring malformed journal edit",
			"path", filepath.Base(path), "error", err)
		return
	}

	j.mu.Lock()
	current, ok := j.entries[edited.ID]
	if !ok {
		// A hand-written entry; adopt it as-is.
		j.entries[edited.ID] = edited
		j.mu.Unlock()
		return
	}
	if edited.Status == current.Status {
		j.mu.Unlock()
		return
	}
	if !CanTransition(current.Status, edited.Status) {
		j.logger.Warn(ctx, "reverting illegal journal status edit",
			"entry_id", edited.ID, "from", string(current.Status), "to", string(edited.Status))
		_ = j.writeLocked(current)
		j.mu.Unlock()
		return
	}
	current.Status = edited.Status
	j.mu.Unlock()

	j.logger.Info(ctx, "journal entry status edited by operator",
		"entry_id", edited.ID, "status", string(edited.Status))
	if j.events != nil {
		j.events.Emit(ctx, observability.Event{
			Type:      observability.EventCaptainsLogCommitted,
			Component: "journal",
			Data:      map[string]any{"entry_id": edited.ID, "status": string(edited.Status), "source": "operator_edit"},
		})
	}
}

// Close stops the watcher.
func (j *Journal) Close() error {
	select {
	case <-j.done:
	default:
		close(j.done)
	}
	if j.watcher != nil {
		return j.watcher.Close()
	}
	return nil
}

func readEntryFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		entry.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &entry, nil
}
