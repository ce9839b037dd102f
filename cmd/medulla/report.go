package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/costs"
	"github.com/medulla-ai/medulla/internal/lifecycle"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/sensors"
	"github.com/medulla-ai/medulla/internal/telemetry"
)

func buildReportCmd() *cobra.Command {
	var configPath string
	var days int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a telemetry and retention report",
		Long: `Read-only summary over the local telemetry directory: task patterns,
resource percentiles, weekly spend, and per-class retention state. Nothing
is archived or purged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, configPath, days)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "medulla.yaml", "Path to the runtime configuration file")
	cmd.Flags().IntVar(&days, "days", 7, "Trailing window in days")
	return cmd
}

func runReport(cmd *cobra.Command, configPath string, days int) error {
	ctx := cmd.Context()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "warning"})

	queries := telemetry.NewQueries(cfg.Telemetry.Root, logger)

	patterns, err := queries.TaskPatterns(ctx, days)
	if err != nil {
		return err
	}
	fmt.Printf("tasks (%dd): %d total, %d completed, success rate %.0f%%, avg %.0fms\n",
		days, patterns.Total, patterns.Completed, patterns.SuccessRate*100, patterns.AvgDurationMS)
	for _, tool := range patterns.MostUsedTools {
		fmt.Printf("  tool %-30s %d calls\n", tool.Name, tool.Count)
	}

	for _, metric := range []string{sensors.KeyCPULoad, sensors.KeyMemUsed, sensors.KeyDiskUsed} {
		pct, err := queries.ResourcePercentiles(ctx, metric, days)
		if err != nil {
			return err
		}
		if pct.P50 == 0 && pct.P99 == 0 {
			continue
		}
		fmt.Printf("%-28s p50=%.1f p95=%.1f p99=%.1f\n", metric, pct.P50, pct.P95, pct.P99)
	}

	transitions, err := queries.ModeTransitions(ctx, days)
	if err != nil {
		return err
	}
	for _, tr := range transitions {
		fmt.Printf("mode %s -> %s at %s (%s)\n", tr.From, tr.To, tr.At.Format("2006-01-02 15:04"), tr.Reason)
	}

	ledger, err := costs.NewLedger(cfg.Telemetry.Root, logger)
	if err != nil {
		return err
	}
	weekly, err := ledger.WeeklyCost(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("weekly spend: $%.2f of $%.2f budget\n", weekly, cfg.Costs.WeeklyBudgetUSD)

	manager := lifecycle.NewManager(cfg.Telemetry.Root, nil, logger)
	report, err := manager.GenerateReport(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("disk used: %.1f%%\n", report.DiskUsedPercent)
	for class, cr := range report.Classes {
		fmt.Printf("  %-14s %4d files  %8d bytes  oldest %dd  (hot %dd, cold %dd)\n",
			class, cr.Files, cr.Bytes, cr.OldestAgeDays, cr.Policy.HotDays, cr.Policy.ColdDays)
	}
	return nil
}
