package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/agentops/deployops/internal/adapter/postgres"
	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/service"
)

// runAdmin dispatches admin subcommands (mint-key, hash-key, migrate, profiles).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "mint-key":
		return runAdminMintKey(args[1:])
	case "hash-key":
		return runAdminHashKey(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	case "profiles":
		return runAdminProfiles(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: deployops admin <command> [options]

Commands:
  mint-key    Generate a new operator API key and its config hash
  hash-key    Hash an existing API key for auth.key_hashes
  migrate     Apply pending database migrations
  profiles    List the configured guardrail profiles
  help        Show this help message

Examples:
  deployops admin mint-key
  deployops admin hash-key
  deployops admin migrate
  deployops admin profiles
`)
}

func runAdminMintKey(args []string) error {
	fs := flag.NewFlagSet("mint-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, hash, err := service.MintKey()
	if err != nil {
		return fmt.Errorf("mint key: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Give the key to the operator; only the hash goes into auth.key_hashes.")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "key\t%s\n", key)
	_, _ = fmt.Fprintf(w, "hash\t%s\n", hash)
	return w.Flush()
}

func runAdminHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	keyFlag := fs.String("key", "", "API key to hash (prompted if not provided)") //nolint:gosec // CLI flag
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := *keyFlag
	if key == "" {
		var err error
		key, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
	}
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	if !strings.HasPrefix(key, service.APIKeyPrefix) {
		fmt.Fprintf(os.Stderr, "warning: key does not start with %q\n", service.APIKeyPrefix)
	}

	hash, err := service.HashKey(key)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	fmt.Println(hash)
	return nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := postgres.RunMigrations(context.Background(), cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Migrations applied.")
	return nil
}

func runAdminProfiles(args []string) error {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	policySvc, err := service.NewPolicyService(cfg.Guardrail)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	active := policySvc.ActiveProfile()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROFILE\tACTIVE")
	for _, name := range policySvc.ListProfiles() {
		_, _ = fmt.Fprintf(w, "%s\t%t\n", name, name == active)
	}
	return w.Flush()
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
