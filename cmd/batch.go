package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"polychat/internal/client"
	"polychat/internal/models"
	"polychat/internal/protocol"
	"polychat/internal/reassembler"
)

const batchUsage = `Usage:
  polychat batch --models <a,b,...> [--file <path>] [--server <url>] [--token <jwt>]

Reads one prompt per line (blank lines and lines starting with # are skipped) and runs
them in order on the server. Responses are printed as each prompt finishes.

Flags:
  --models       string   Comma-separated model identifiers (required)
  --file         string   Prompt file, - for stdin (default -)
  --server       string   Server URL (default $POLYCHAT_URL or http://127.0.0.1:8080)
  --token        string   Bearer token (default $POLYCHAT_TOKEN)
  --conversation string   Continue an existing conversation`

func runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, batchUsage)
	}

	var modelList, file, serverURL, bearer, conversationID string
	fs.StringVar(&modelList, "models", "", "comma-separated model identifiers")
	fs.StringVar(&file, "file", "-", "prompt file")
	fs.StringVar(&serverURL, "server", envOr("POLYCHAT_URL", defaultServerURL), "server URL")
	fs.StringVar(&bearer, "token", os.Getenv("POLYCHAT_TOKEN"), "bearer token")
	fs.StringVar(&conversationID, "conversation", "", "conversation id")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse batch flags: %w", err)
	}
	targets := splitList(modelList)
	if len(targets) == 0 {
		return errors.New("batch command requires --models")
	}

	in := io.Reader(os.Stdin)
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open prompt file: %w", err)
		}
		defer f.Close()
		in = f
	}
	prompts, err := readPrompts(in)
	if err != nil {
		return err
	}

	c := client.New(serverURL, bearer, nil)
	r := reassembler.New(nil)
	params := client.BatchParams{Prompts: prompts, Models: targets, ConversationID: conversationID}
	err = c.Batch(ctx, params, func(f protocol.Frame) error {
		if _, err := r.Apply(f); err != nil {
			return err
		}
		if f.Kind() == protocol.EventBatchItem {
			printBatchItem(os.Stdout, r, f)
		}
		return nil
	})
	if err != nil {
		r.Fail()
		return err
	}
	if conv := r.Conversation(); conv != nil {
		fmt.Printf("conversation %s\n", conv.ID())
	}
	return nil
}

const defaultServerURL = "http://127.0.0.1:8080"

func printBatchItem(w io.Writer, r *reassembler.Reassembler, f protocol.Frame) {
	index := 0
	if f.BatchIndex != nil {
		index = *f.BatchIndex
	}
	fmt.Fprintf(w, "=== prompt %d ===\n", index+1)
	if f.Error != "" {
		fmt.Fprintf(w, "failed: %s\n\n", f.Error)
		return
	}
	conv := r.Conversation()
	if conv == nil {
		return
	}

	msgs := conv.Messages()
	last := -1
	for i, m := range msgs {
		if m.Role == models.RoleUser {
			last = i
		}
	}
	if last < 0 {
		return
	}
	fmt.Fprintf(w, "> %s\n", msgs[last].Content)
	for _, m := range msgs[last+1:] {
		switch m.State.Kind() {
		case models.StateFinalWithError:
			fmt.Fprintf(w, "[%s] error: %s\n", m.Provider, m.State.Failure().Message)
		default:
			fmt.Fprintf(w, "[%s] %s\n", m.Provider, m.Content)
		}
	}
	fmt.Fprintln(w)
}

func readPrompts(r io.Reader) ([]string, error) {
	var prompts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to run")
	}
	return prompts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
