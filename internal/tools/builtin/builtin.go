// Package builtin registers the in-process tools every deployment carries:
// host metrics, disk usage, and read-only file access. File tools rely on
// the execution layer's path policy for access control.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/medulla-ai/medulla/internal/sensors"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

// maxReadBytes caps read_file output so a single tool call cannot blow the
// context window.
const maxReadBytes = 256 * 1024

// RegisterAll adds every built-in tool to the registry.
func RegisterAll(registry *tools.Registry, collector *sensors.Collector) error {
	entries := []struct {
		def  tools.Definition
		exec tools.ExecFunc
	}{
		{systemMetricsDef(), systemMetricsExec(collector)},
		{diskUsageDef(), diskUsageExec},
		{readFileDef(), readFileExec},
		{listFilesDef(), listFilesExec},
	}
	for _, e := range entries {
		if err := registry.Register(e.def, e.exec); err != nil {
			return fmt.Errorf("register builtin %s: %w", e.def.Name, err)
		}
	}
	return nil
}

func systemMetricsDef() tools.Definition {
	return tools.Definition{
		Name:           "system_metrics_snapshot",
		Description:    "Returns current host metrics: CPU load %, memory used %, disk used %, and GPU stats where available.",
		Category:       "system",
		RiskLevel:      models.RiskLow,
		AllowedModes:   []string{"NORMAL", "ALERT", "DEGRADED", "LOCKDOWN", "RECOVERY"},
		TimeoutSeconds: 10,
	}
}

func systemMetricsExec(collector *sensors.Collector) tools.ExecFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		snapshot := collector.Snapshot(ctx)
		out := make(map[string]any, len(snapshot))
		for k, v := range snapshot {
			out[k] = v
		}
		return out, nil
	}
}

func diskUsageDef() tools.Definition {
	return tools.Definition{
		Name:        "disk_usage",
		Description: "Reports total, used and free bytes for a mount point.",
		Category:    "system",
		Parameters: []tools.Parameter{
			{Name: "path", Type: tools.TypeString, Description: "Mount point to inspect", Default: "/"},
		},
		RiskLevel:      models.RiskLow,
		AllowedModes:   []string{"NORMAL", "ALERT", "DEGRADED", "RECOVERY"},
		TimeoutSeconds: 10,
	}
}

func diskUsageExec(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	used := total - free
	var usedPct float64
	if total > 0 {
		usedPct = float64(used) / float64(total) * 100
	}
	return map[string]any{
		"path":         path,
		"total_bytes":  total,
		"used_bytes":   used,
		"free_bytes":   free,
		"used_percent": usedPct,
	}, nil
}

func readFileDef() tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Reads a text file and returns its contents. Large files are truncated.",
		Category:    "files",
		Parameters: []tools.Parameter{
			{Name: "path", Type: tools.TypeString, Description: "File to read", Required: true},
		},
		RiskLevel:      models.RiskLow,
		AllowedModes:   []string{"NORMAL", "ALERT"},
		TimeoutSeconds: 15,
	}
}

func readFileExec(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, maxReadBytes+1)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	truncated := n > maxReadBytes
	if truncated {
		n = maxReadBytes
	}
	return map[string]any{
		"path":      path,
		"content":   string(buf[:n]),
		"truncated": truncated,
	}, nil
}

func listFilesDef() tools.Definition {
	return tools.Definition{
		Name:        "list_files",
		Description: "Lists directory entries with size and type.",
		Category:    "files",
		Parameters: []tools.Parameter{
			{Name: "path", Type: tools.TypeString, Description: "Directory to list", Required: true},
		},
		RiskLevel:      models.RiskLow,
		AllowedModes:   []string{"NORMAL", "ALERT"},
		TimeoutSeconds: 15,
	}
}

func listFilesExec(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name": entry.Name(),
			"dir":  entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size_bytes"] = info.Size()
		}
		out = append(out, item)
	}
	return map[string]any{
		"path":    filepath.Clean(path),
		"entries": out,
	}, nil
}
