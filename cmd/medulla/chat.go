package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func buildChatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
		oneShot   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running medulla instance",
		Long: `Open an interactive chat against a running instance. The first turn
creates a session; later turns reuse it. Use --message for a single
non-interactive turn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			if oneShot != "" {
				return runChatTurn(cmd.Context(), client, oneShot, sessionID)
			}
			return runChatREPL(cmd.Context(), client, sessionID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "Address of the running instance")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Continue an existing session")
	cmd.Flags().StringVarP(&oneShot, "message", "m", "", "Send one message and exit")
	return cmd
}

func runChatTurn(ctx context.Context, client *apiClient, message, sessionID string) error {
	reply, err := client.chat(ctx, message, sessionID)
	if err != nil {
		return err
	}
	fmt.Println(reply.Response)
	return nil
}

func runChatREPL(ctx context.Context, client *apiClient, sessionID string) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("medulla chat. Type a message, or /quit to exit.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		reply, err := client.chat(ctx, line, sessionID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		sessionID = reply.SessionID
		fmt.Println(reply.Response)
	}
}
