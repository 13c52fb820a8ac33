package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"polychat/internal/client"
	"polychat/internal/tui"
)

const chatUsage = `Usage:
  polychat chat [--models <a,b,...>] [--server <url>] [--token <jwt>]

Opens the terminal client. Type a prompt to send it to every selected model; /help
lists the commands for pausing, synthesis, catch-up, roles and export.

Flags:
  --models string   Comma-separated model identifiers (default gpt-5.2,claude-sonnet-4-5,gemini-2.5-flash)
  --server string   Server URL (default $POLYCHAT_URL or http://127.0.0.1:8080)
  --token  string   Bearer token (default $POLYCHAT_TOKEN)`

const defaultChatModels = "gpt-5.2,claude-sonnet-4-5,gemini-2.5-flash"

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var modelList, serverURL, bearer string
	fs.StringVar(&modelList, "models", defaultChatModels, "comma-separated model identifiers")
	fs.StringVar(&serverURL, "server", envOr("POLYCHAT_URL", defaultServerURL), "server URL")
	fs.StringVar(&bearer, "token", os.Getenv("POLYCHAT_TOKEN"), "bearer token")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	c := client.New(serverURL, bearer, nil)
	if _, err := c.Models(ctx); err != nil {
		if client.IsUnauthorized(err) {
			return errors.New("the server rejected the token; create one with `polychat token --user <id>`")
		}
		return fmt.Errorf("connect to %s: %w", serverURL, err)
	}

	model := tui.New(tui.Options{
		API:    c,
		Models: splitList(modelList),
		Export: func(ctx context.Context, id string) (any, error) {
			return c.Export(ctx, id)
		},
	})
	_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
