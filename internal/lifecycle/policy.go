// Package lifecycle ages telemetry data through hot, warm, and cold windows:
// archive past the hot window, purge past the cold one, and report what is
// on disk. Every action emits a lifecycle event and supports dry runs.
package lifecycle

import "time"

// RetentionPolicy declares the aging windows for one data class, in days.
// Cold = 0 means data is never purged. ArchiveEnabled = false means data is
// never archived regardless of age.
type RetentionPolicy struct {
	HotDays        int  `json:"hot_days"`
	WarmDays       int  `json:"warm_days"`
	ColdDays       int  `json:"cold_days"`
	ArchiveEnabled bool `json:"archive_enabled"`
}

// ShouldArchive reports whether data of the given age leaves the hot window.
func (p RetentionPolicy) ShouldArchive(age time.Duration) bool {
	if !p.ArchiveEnabled {
		return false
	}
	return age > time.Duration(p.HotDays)*24*time.Hour
}

// ShouldPurge reports whether data of the given age is past the cold window.
// A zero cold window keeps data forever.
func (p RetentionPolicy) ShouldPurge(age time.Duration) bool {
	if p.ColdDays == 0 {
		return false
	}
	if age < 0 {
		return false
	}
	return age > time.Duration(p.ColdDays)*24*time.Hour
}

// Data class names. Policies are registered per class at construction.
const (
	ClassFileLogs     = "file_logs"
	ClassTaskCaptures = "task_captures"
	ClassReflections  = "reflections"
	ClassEventIndex   = "event_index"
	ClassGraph        = "graph"
)

// DefaultPolicies returns the standard retention table.
func DefaultPolicies() map[string]RetentionPolicy {
	return map[string]RetentionPolicy{
		ClassFileLogs:     {HotDays: 7, WarmDays: 14, ColdDays: 30, ArchiveEnabled: true},
		ClassTaskCaptures: {HotDays: 14, WarmDays: 14, ColdDays: 90, ArchiveEnabled: true},
		ClassReflections:  {HotDays: 14, WarmDays: 14, ColdDays: 180, ArchiveEnabled: true},
		ClassEventIndex:   {HotDays: 14, WarmDays: 14, ColdDays: 30, ArchiveEnabled: false},
		ClassGraph:        {HotDays: 365, WarmDays: 730, ColdDays: 0, ArchiveEnabled: false},
	}
}
