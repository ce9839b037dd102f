// Package costs is the append-only spend ledger: one JSON line per billed
// model call, partitioned by month. The insights loop reads it back to check
// the weekly budget.
package costs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

// Entry is one billed model call.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	Role             string    `json:"role"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	TraceID          string    `json:"trace_id,omitempty"`
}

// Ledger appends entries to <telemetryRoot>/costs/YYYY-MM.jsonl.
type Ledger struct {
	dir    string
	logger *observability.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures the ledger.
type Option func(*Ledger)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger prepares the costs directory.
func NewLedger(telemetryRoot string, logger *observability.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		dir:    filepath.Join(telemetryRoot, "costs"),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create costs dir: %w", err)
	}
	return l, nil
}

// Record appends one entry to the current month file.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cost entry: %w", err)
	}

	path := filepath.Join(l.dir, e.Timestamp.UTC().Format("2006-01")+".jsonl")

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

// WeeklyCost sums spend over the trailing seven days. A week can straddle a
// month boundary, so both candidate files are read.
func (l *Ledger) WeeklyCost(ctx context.Context) (float64, error) {
	now := l.now().UTC()
	cutoff := now.AddDate(0, 0, -7)

	months := map[string]bool{
		now.Format("2006-01"):    true,
		cutoff.Format("2006-01"): true,
	}

	total := 0.0
	for month := range months {
		entries, err := l.readMonth(ctx, month)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			if e.Timestamp.After(cutoff) && !e.Timestamp.After(now) {
				total += e.CostUSD
			}
		}
	}
	return total, nil
}

// MonthCost sums one calendar month ("2006-01" format).
func (l *Ledger) MonthCost(ctx context.Context, month string) (float64, error) {
	entries, err := l.readMonth(ctx, month)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, e := range entries {
		total += e.CostUSD
	}
	return total, nil
}

func (l *Ledger) readMonth(ctx context.Context, month string) ([]Entry, error) {
	path := filepath.Join(l.dir, month+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn(ctx, "skipping malformed ledger line", "month", month, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
