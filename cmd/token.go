package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"polychat/internal/auth"
)

const tokenUsage = `Usage:
  polychat token --user <id> [--config <path>] [--ttl <duration>]

Prints a bearer token signed with the server's JWT secret.

Flags:
  --user   string     User identifier (required)
  --config string     Path to YAML configuration file
  --ttl    duration   Token lifetime (default from configuration)`

func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, tokenUsage)
	}

	var user, cfgPath string
	var ttl time.Duration
	fs.StringVar(&user, "user", "", "user identifier")
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse token flags: %w", err)
	}
	if strings.TrimSpace(user) == "" {
		return errors.New("token command requires --user <id>")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}

	authz, err := auth.NewAuthorizer(cfg.Auth.JWTSecret, ttl)
	if err != nil {
		return err
	}
	signed, err := authz.Issue(user)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}
