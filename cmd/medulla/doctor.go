package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/search"
	"github.com/medulla-ai/medulla/internal/sessions"
)

// Doctor exit codes. Configuration problems outrank connectivity problems.
const (
	exitConnectivity = 1
	exitConfig       = 2
)

func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		Long: `Validate the runtime configuration and governance policy, then probe
the model backends, the session database, and the search index.

Exit codes: 0 healthy, 1 connectivity failure, 2 invalid configuration.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runDoctor(cmd.Context(), configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "medulla.yaml", "Path to the runtime configuration file")
	return cmd
}

func runDoctor(ctx context.Context, configPath string) int {
	config.LoadEnvFiles(".")

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Println("FAIL config:", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("FAIL config:", err)
		return exitConfig
	}
	fmt.Println("ok   config:", configPath)

	policy, err := governance.Load(cfg.Governance.Dir)
	if err != nil {
		fmt.Println("FAIL governance:", err)
		return exitConfig
	}
	fmt.Printf("ok   governance: %d model roles, %d tools, %d transition rules\n",
		len(policy.Models), len(policy.Tools()), len(policy.TransitionRules))

	code := 0
	probe := &http.Client{Timeout: 3 * time.Second}
	for role, spec := range policy.Models {
		if spec.Endpoint == "" {
			fmt.Printf("skip model %s: no endpoint (API default)\n", role)
			continue
		}
		if err := probeEndpoint(ctx, probe, spec.Endpoint); err != nil {
			fmt.Printf("FAIL model %s at %s: %v\n", role, spec.Endpoint, err)
			code = exitConnectivity
		} else {
			fmt.Printf("ok   model %s: %s (%s)\n", role, spec.ID, spec.Endpoint)
		}
	}

	repo, err := sessions.OpenSQLRepository(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Printf("FAIL database %s: %v\n", cfg.Database.Driver, err)
		code = exitConnectivity
	} else {
		fmt.Printf("ok   database: %s (%s)\n", cfg.Database.Driver, cfg.Database.DSN)
		repo.Close()
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	if client := search.New(cfg.Search, logger); client != nil {
		if client.Connected() {
			fmt.Println("ok   search index:", cfg.Search.URL)
		} else {
			// The runtime degrades to journal-only telemetry, so this is a
			// warning rather than a failure.
			fmt.Println("warn search index unreachable:", cfg.Search.URL)
		}
	} else {
		fmt.Println("skip search index: disabled")
	}

	if code == 0 {
		fmt.Println("healthy")
	}
	return code
}

// probeEndpoint checks TCP+HTTP reachability of a chat-completions base URL.
// Any HTTP status counts as reachable; only transport errors fail.
func probeEndpoint(ctx context.Context, client *http.Client, endpoint string) error {
	url := strings.TrimRight(endpoint, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
