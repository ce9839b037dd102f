package lifecycle

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

// IndexCleaner deletes aged documents from the analytics index. The search
// client satisfies it.
type IndexCleaner interface {
	DeleteByQuery(ctx context.Context, index string, body any) error
}

// datedName matches the YYYY-MM-DD stamp embedded in journal and capture
// file names.
var datedName = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// classFile is one aging candidate.
type classFile struct {
	path string
	rel  string
	day  time.Time
	size int64
}

// Manager applies retention policies to the telemetry tree.
type Manager struct {
	root          string
	policies      map[string]RetentionPolicy
	events        *observability.EventLog
	logger        *observability.Logger
	now           func() time.Time
	diskUsage     func() (float64, error)
	diskThreshold float64
	cleaner       IndexCleaner
	indexName     string
}

// Option configures the manager.
type Option func(*Manager)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDiskUsage sets the disk usage probe (percent used).
func WithDiskUsage(fn func() (float64, error)) Option {
	return func(m *Manager) { m.diskUsage = fn }
}

// WithDiskThreshold sets the alert threshold in percent. Default 85.
func WithDiskThreshold(pct float64) Option {
	return func(m *Manager) { m.diskThreshold = pct }
}

// WithIndexCleaner attaches the analytics index for event_index cleanup.
func WithIndexCleaner(cleaner IndexCleaner, indexName string) Option {
	return func(m *Manager) {
		m.cleaner = cleaner
		m.indexName = indexName
	}
}

// WithPolicies replaces the default retention table.
func WithPolicies(policies map[string]RetentionPolicy) Option {
	return func(m *Manager) {
		if len(policies) > 0 {
			m.policies = policies
		}
	}
}

// NewManager creates a lifecycle manager over the telemetry root.
func NewManager(telemetryRoot string, events *observability.EventLog, logger *observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		root:          telemetryRoot,
		policies:      DefaultPolicies(),
		events:        events,
		logger:        logger,
		now:           time.Now,
		diskThreshold: 85,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the retention policy for a class.
func (m *Manager) Policy(class string) (RetentionPolicy, bool) {
	p, ok := m.policies[class]
	return p, ok
}

// files lists the aging candidates for one class, oldest first. Classes
// without a file representation return nothing.
func (m *Manager) files(class string) ([]classFile, error) {
	var globs []string
	switch class {
	case ClassFileLogs:
		globs = []string{filepath.Join(m.root, "logs", "*.jsonl")}
	case ClassTaskCaptures:
		globs = []string{filepath.Join(m.root, "captains_log", "captures", "*", "*.json")}
	case ClassReflections:
		globs = []string{filepath.Join(m.root, "captains_log", "CL-*.json")}
	default:
		return nil, nil
	}

	var out []classFile
	for _, pattern := range globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", class, err)
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			cf := classFile{path: path, size: info.Size()}

			stamp := datedName.FindString(filepath.Base(path))
			if stamp == "" {
				stamp = datedName.FindString(filepath.Base(filepath.Dir(path)))
			}
			if day, err := time.Parse("2006-01-02", stamp); err == nil {
				cf.day = day
			} else {
				cf.day = info.ModTime().UTC().Truncate(24 * time.Hour)
			}

			rel, err := filepath.Rel(m.root, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			cf.rel = rel
			out = append(out, cf)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].day.Before(out[k].day) })
	return out, nil
}

func (m *Manager) age(day time.Time) time.Duration {
	return m.now().UTC().Sub(day)
}

// CheckDiskUsage probes disk fill and emits an alert past the threshold.
func (m *Manager) CheckDiskUsage(ctx context.Context) (float64, error) {
	if m.diskUsage == nil {
		return 0, nil
	}
	pct, err := m.diskUsage()
	if err != nil {
		return 0, fmt.Errorf("disk usage probe: %w", err)
	}
	if pct >= m.diskThreshold {
		m.logger.Warn(ctx, "disk usage above threshold",
			"used_percent", pct, "threshold_percent", m.diskThreshold)
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventLifecycleDiskAlert,
			Component: "lifecycle",
			Data:      map[string]any{"used_percent": pct, "threshold_percent": m.diskThreshold},
		})
	}
	return pct, nil
}

// ArchiveOldData compresses files that left the hot window into
// <root>/archive/<class>/, oldest first. Already-archived files are skipped;
// originals stay in place until purge.
func (m *Manager) ArchiveOldData(ctx context.Context, class string, dryRun bool) (int, error) {
	policy, ok := m.policies[class]
	if !ok {
		return 0, fmt.Errorf("unknown data class %q", class)
	}
	if !policy.ArchiveEnabled {
		return 0, nil
	}

	candidates, err := m.files(class)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, cf := range candidates {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if !policy.ShouldArchive(m.age(cf.day)) {
			continue
		}

		dest := filepath.Join(m.root, "archive", class, filepath.Base(cf.path)+".gz")
		if class == ClassTaskCaptures {
			dest = filepath.Join(m.root, "archive", class, cf.day.Format("2006-01-02"), filepath.Base(cf.path)+".gz")
		}
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		if !dryRun {
			if err := gzipCopy(cf.path, dest); err != nil {
				m.logger.Warn(ctx, "archive failed", "class", class, "file", cf.rel, "error", err)
				continue
			}
		}
		archived++
	}

	if archived > 0 {
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventLifecycleArchive,
			Component: "lifecycle",
			Data:      map[string]any{"class": class, "files": archived, "dry_run": dryRun},
		})
	}
	return archived, nil
}

// PurgeExpiredData deletes originals past the cold window. A class with
// cold = 0 never purges.
func (m *Manager) PurgeExpiredData(ctx context.Context, class string, dryRun bool) (int, error) {
	policy, ok := m.policies[class]
	if !ok {
		return 0, fmt.Errorf("unknown data class %q", class)
	}

	candidates, err := m.files(class)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, cf := range candidates {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !policy.ShouldPurge(m.age(cf.day)) {
			continue
		}
		if !dryRun {
			if err := os.Remove(cf.path); err != nil {
				m.logger.Warn(ctx, "purge failed", "class", class, "file", cf.rel, "error", err)
				continue
			}
			// Capture day directories empty out as their files go.
			if class == ClassTaskCaptures {
				os.Remove(filepath.Dir(cf.path))
			}
		}
		purged++
	}

	if purged > 0 {
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventLifecyclePurge,
			Component: "lifecycle",
			Data:      map[string]any{"class": class, "files": purged, "dry_run": dryRun},
		})
	}
	return purged, nil
}

// CleanupIndex deletes index documents past the cold window. Only the
// event_index class has an index representation.
func (m *Manager) CleanupIndex(ctx context.Context, class string, dryRun bool) error {
	if class != ClassEventIndex || m.cleaner == nil {
		return nil
	}
	policy := m.policies[class]
	if policy.ColdDays == 0 {
		return nil
	}

	cutoff := m.now().UTC().AddDate(0, 0, -policy.ColdDays)
	if !dryRun {
		query := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					"timestamp": map[string]any{"lt": cutoff.Format(time.RFC3339)},
				},
			},
		}
		if err := m.cleaner.DeleteByQuery(ctx, m.indexName, query); err != nil {
			return fmt.Errorf("index cleanup: %w", err)
		}
	}

	m.events.Emit(ctx, observability.Event{
		Type:      observability.EventLifecycleIndexCleanup,
		Component: "lifecycle",
		Data:      map[string]any{"class": class, "cutoff": cutoff.Format(time.RFC3339), "dry_run": dryRun},
	})
	return nil
}

// ClassReport summarizes one class's on-disk footprint.
type ClassReport struct {
	Files         int             `json:"files"`
	Bytes         int64           `json:"bytes"`
	OldestAgeDays int             `json:"oldest_age_days"`
	Policy        RetentionPolicy `json:"policy"`
}

// Report is the read-only lifecycle summary.
type Report struct {
	GeneratedAt     time.Time              `json:"generated_at"`
	DiskUsedPercent float64                `json:"disk_used_percent"`
	Classes         map[string]ClassReport `json:"classes"`
}

// GenerateReport inspects every class without changing anything.
func (m *Manager) GenerateReport(ctx context.Context) (Report, error) {
	report := Report{
		GeneratedAt: m.now().UTC(),
		Classes:     make(map[string]ClassReport, len(m.policies)),
	}
	if m.diskUsage != nil {
		if pct, err := m.diskUsage(); err == nil {
			report.DiskUsedPercent = pct
		}
	}

	for class, policy := range m.policies {
		cr := ClassReport{Policy: policy}
		candidates, err := m.files(class)
		if err != nil {
			return Report{}, err
		}
		for _, cf := range candidates {
			cr.Files++
			cr.Bytes += cf.size
			if days := int(m.age(cf.day).Hours() / 24); days > cr.OldestAgeDays {
				cr.OldestAgeDays = days
			}
		}
		report.Classes[class] = cr
	}
	return report, nil
}

// Run executes one full pass: disk check, archive, purge, index cleanup.
func (m *Manager) Run(ctx context.Context, dryRun bool) error {
	if _, err := m.CheckDiskUsage(ctx); err != nil {
		m.logger.Warn(ctx, "disk check failed", "error", err)
	}
	for _, class := range []string{ClassFileLogs, ClassTaskCaptures, ClassReflections, ClassEventIndex, ClassGraph} {
		if _, err := m.ArchiveOldData(ctx, class, dryRun); err != nil {
			m.logger.Warn(ctx, "archive pass failed", "class", class, "error", err)
		}
		if _, err := m.PurgeExpiredData(ctx, class, dryRun); err != nil {
			m.logger.Warn(ctx, "purge pass failed", "class", class, "error", err)
		}
		if err := m.CleanupIndex(ctx, class, dryRun); err != nil {
			m.logger.Warn(ctx, "index cleanup failed", "class", class, "error", err)
		}
	}
	return ctx.Err()
}

func gzipCopy(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
