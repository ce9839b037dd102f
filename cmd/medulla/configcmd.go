package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medulla-ai/medulla/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the runtime configuration",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate [path]",
		Short: "Strictly validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "medulla.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("valid:", path)
			return nil
		},
	}

	cmd.AddCommand(schema, validate)
	return cmd
}
