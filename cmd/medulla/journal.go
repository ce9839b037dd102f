package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/journal"
	"github.com/medulla-ai/medulla/internal/observability"
)

func buildJournalCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Review captain's-log entries",
		Long: `List, inspect, approve or reject the entries the background loops
filed for operator review. Approval is irreversible within a run; approved
entries can only advance to implemented.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "medulla.yaml", "Path to the runtime configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List journal entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			j, err := openJournal(configPath)
			if err != nil {
				return err
			}
			defer j.Close()

			entries := j.List(journal.EntryStatus(status))
			for _, e := range entries {
				fmt.Printf("%s  %-16s  %-18s  %s\n", e.ID, e.Type, e.Status, e.Title)
			}
			if len(entries) == 0 {
				fmt.Println("no entries")
			}
			return nil
		},
	}
	list.Flags().String("status", "", "Filter by status (awaiting_approval, approved, rejected, implemented)")

	show := &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one entry in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(configPath)
			if err != nil {
				return err
			}
			defer j.Close()

			entry, ok := j.Get(args[0])
			if !ok {
				return fmt.Errorf("journal entry %q not found", args[0])
			}
			return printJSON(entry)
		},
	}

	cmd.AddCommand(list, show,
		buildJournalStatusCmd(&configPath, "approve", journal.StatusApproved),
		buildJournalStatusCmd(&configPath, "reject", journal.StatusRejected),
	)
	return cmd
}

func buildJournalStatusCmd(configPath *string, verb string, to journal.EntryStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <entry-id>",
		Short: verb + " a journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(*configPath)
			if err != nil {
				return err
			}
			defer j.Close()

			if err := j.SetStatus(cmd.Context(), args[0], to); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", args[0], to)
			return nil
		},
	}
}

func openJournal(configPath string) (*journal.Journal, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "warning"})
	return journal.Open(cfg.Telemetry.Root, logger, nil)
}
