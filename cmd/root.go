package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `polychat sends one prompt to several AI models and streams their answers side by side.

Usage:
  polychat <command> [flags]

Commands:
  serve    Start the HTTP server
  chat     Open the terminal chat client
  batch    Run a file of prompts against a server
  token    Issue an access token for a user

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "chat":
		return chat(ctx, args[1:])
	case "batch":
		return runBatch(ctx, args[1:])
	case "token":
		return token(args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
