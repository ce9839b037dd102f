package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildSessionsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions on a running instance",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8420", "Address of the running instance")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			found, err := newAPIClient(addr).listSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(found)
		},
	}
	list.Flags().Int("limit", 20, "Maximum sessions to return")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newAPIClient(addr).getSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	remove := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(addr).deleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, remove)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
