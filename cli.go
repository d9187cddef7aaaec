package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"nexus/internal/auth"
	"nexus/internal/config"
	"nexus/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "nexus %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(args[1:], out)
	case "admin-token":
		return true, cliAdminToken(args[1:], out)
	default:
		return false, nil
	}
}

func cliStatus(args []string, out io.Writer) error {
	cfg, err := config.Load(flag.NewFlagSet("status", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	count, size, err := st.BlobUsage(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath)
	fmt.Fprintf(out, "Uploads: %d (%d bytes)\n", count, size)
	fmt.Fprintf(out, "Wipe interval: %s\n", cfg.WipeInterval)
	fmt.Fprintf(out, "Admin actions: %t\n", cfg.AdminSecret != "")
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func cliAdminToken(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	ttl := fset.Duration("ttl", 24*time.Hour, "token lifetime")
	cfg, err := config.Load(fset, args)
	if err != nil {
		return err
	}

	tokens := auth.NewTokens(cfg.AdminSecret, nil)
	if !tokens.Enabled() {
		return errors.New("NEXUS_ADMIN_SECRET is not set")
	}
	token, exp, err := tokens.Mint(*ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(out, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}
