package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"polychat/internal/roles"
)

// Command is a parsed slash command.
type Command struct {
	Name string

	Models      []string
	Ordinals    []int
	Role        roles.Role
	Text        string
	Instruction string
}

const commandHelp = `/models a,b        choose the models a prompt goes to
/pause <model>     stop listening to a model (toggle with /resume)
/resume <model>    listen to a model again
/synth 2,3 a,b [instruction]   send responses #2 and #3 to models a and b
/catchup a,b [2,3] bring new models up to speed, optionally on selected messages
/role <model> <role>            assign a role (neutral clears it)
/context [text]    set or clear the global context
/export [path]     save the conversation as JSON
/new               start a new conversation
/help              show this help
/quit              exit`

var errUsage = errors.New("usage")

// ParseCommand parses line. ok is false when line is not a slash command and should be
// sent as a prompt.
func ParseCommand(line string) (cmd Command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, false, nil
	}
	fields := strings.Fields(line)
	cmd.Name = strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd.Name {
	case "/new", "/help", "/quit", "/exit":
	case "/models":
		if len(args) == 0 {
			return cmd, true, usage("/models a,b")
		}
		cmd.Models = splitList(strings.Join(args, ","))
	case "/pause", "/resume":
		if len(args) != 1 {
			return cmd, true, usage(cmd.Name + " <model>")
		}
		cmd.Models = []string{args[0]}
	case "/synth":
		if len(args) < 2 {
			return cmd, true, usage("/synth <ordinals> <models> [instruction]")
		}
		if cmd.Ordinals, err = parseOrdinals(args[0]); err != nil {
			return cmd, true, err
		}
		cmd.Models = splitList(args[1])
		cmd.Instruction = strings.Join(args[2:], " ")
	case "/catchup":
		if len(args) < 1 || len(args) > 2 {
			return cmd, true, usage("/catchup <models> [ordinals]")
		}
		cmd.Models = splitList(args[0])
		if len(args) == 2 {
			if cmd.Ordinals, err = parseOrdinals(args[1]); err != nil {
				return cmd, true, err
			}
		}
	case "/role":
		if len(args) != 2 {
			return cmd, true, usage("/role <model> <role>")
		}
		role, err := roles.Parse(args[1])
		if err != nil {
			return cmd, true, err
		}
		cmd.Models = []string{args[0]}
		cmd.Role = role
	case "/context":
		cmd.Text = rest
	case "/export":
		if len(args) > 1 {
			return cmd, true, usage("/export [path]")
		}
		cmd.Text = rest
	default:
		return cmd, true, fmt.Errorf("unknown command %s, try /help", cmd.Name)
	}
	return cmd, true, nil
}

func usage(form string) error {
	return fmt.Errorf("%w: %s", errUsage, form)
}

func parseOrdinals(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(strings.TrimPrefix(part, "#"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid message number %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("no message numbers given")
	}
	return out, nil
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
