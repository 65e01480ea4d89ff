package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/parley-dev/parley/internal/adapter/postgres"
	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/port/credentials"
	"github.com/parley-dev/parley/internal/secrets"
)

// runAdmin dispatches admin subcommands (set-token, list-tokens,
// remove-token, list-sessions).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "set-token":
		return runAdminSetToken(args[1:])
	case "list-tokens":
		return runAdminListTokens(args[1:])
	case "remove-token":
		return runAdminRemoveToken(args[1:])
	case "list-sessions":
		return runAdminListSessions(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: parley admin <command> [options]

Commands:
  set-token        Store an integration token in the encrypted vault
  list-tokens      List stored integration tokens
  remove-token     Remove an integration token
  list-sessions    List sessions in a workspace
  help             Show this help message

Examples:
  parley admin set-token --source github
  parley admin set-token --source linear --expires 2026-12-31T00:00:00Z
  parley admin list-tokens
  parley admin remove-token --source github
  parley admin list-sessions --workspace my-workspace
`)
}

func openTokenStore() (*secrets.FileStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	key, err := secrets.DeriveKey(os.Getenv("PARLEY_VAULT_KEY"))
	if err != nil {
		return nil, err
	}
	return secrets.OpenFileStore(cfg.Vault.Path, key, nil)
}

func runAdminSetToken(args []string) error {
	fs := flag.NewFlagSet("set-token", flag.ContinueOnError)
	source := fs.String("source", "", "integration source slug (required)")
	expires := fs.String("expires", "", "expiry as RFC 3339 timestamp (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" {
		return fmt.Errorf("--source is required")
	}

	var expiresAt time.Time
	if *expires != "" {
		var err error
		expiresAt, err = time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("parse --expires: %w", err)
		}
	}

	value, err := promptSecret("Token: ")
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if value == "" {
		return fmt.Errorf("token must not be empty")
	}

	store, err := openTokenStore()
	if err != nil {
		return err
	}
	err = store.Put(context.Background(), credentials.Token{
		Source:      *source,
		AccessToken: value,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token stored for %s\n", *source)
	return nil
}

func runAdminListTokens(args []string) error {
	fs := flag.NewFlagSet("list-tokens", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openTokenStore()
	if err != nil {
		return err
	}

	sources := store.Sources()
	if len(sources) == 0 {
		fmt.Println("No tokens stored.")
		return nil
	}

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tEXPIRES")
	for _, src := range sources {
		tok, _, _ := store.Token(ctx, src)
		expiry := "never"
		if !tok.ExpiresAt.IsZero() {
			expiry = tok.ExpiresAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", src, expiry)
	}
	return w.Flush()
}

func runAdminRemoveToken(args []string) error {
	fs := flag.NewFlagSet("remove-token", flag.ContinueOnError)
	source := fs.String("source", "", "integration source slug (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" {
		return fmt.Errorf("--source is required")
	}

	store, err := openTokenStore()
	if err != nil {
		return err
	}
	if err := store.Remove(context.Background(), *source); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token removed for %s\n", *source)
	return nil
}

func runAdminListSessions(args []string) error {
	fs := flag.NewFlagSet("list-sessions", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == "" {
		return fmt.Errorf("--workspace is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	metas, err := postgres.NewStore(pool).LoadMetadata(ctx, *workspace)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(metas) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tUNREAD\tUPDATED")
	for i := range metas {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
			metas[i].ID, metas[i].Name, metas[i].HasUnread,
			metas[i].UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
