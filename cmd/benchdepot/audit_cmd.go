package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/benchdepot/pkg/audit"
	"github.com/Mindburn-Labs/benchdepot/pkg/auth"
	"github.com/Mindburn-Labs/benchdepot/pkg/config"
)

// runAuditCmd prints stored audit records, optionally one intake's chain.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.Int64("root", 0, "only records of the intake whose BEGIN has this ID")
	status := fs.String("status", "", "only records with this status (BEGIN, SUCCESS, FAILURE)")
	limit := fs.Int("limit", 0, "maximum number of records")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := audit.OpenDB(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	store, err := audit.NewSQLStore(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	return printRecords(ctx, store, audit.Filter{RootID: *root, Status: audit.Status(*status), MaxResults: *limit}, stdout, stderr)
}

func printRecords(ctx context.Context, store audit.Store, f audit.Filter, stdout, stderr io.Writer) int {
	records, err := store.Query(ctx, f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
			return 1
		}
	}
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sub := fs.String("sub", "", "user id (required)")
	name := fs.String("name", "", "user name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		_, _ = fmt.Fprintln(stderr, "token: -sub is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	validator := auth.NewJWTValidator(cfg.AuthSecret)
	if validator == nil {
		_, _ = fmt.Fprintln(stderr, "token: AUTH_SECRET is not set")
		return 1
	}
	token, err := validator.Issue(*sub, *name, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
