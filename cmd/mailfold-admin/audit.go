package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/mailfold/mailfold/db"
)

func handleAuditCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAuditUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleAuditList(ctx)
	case "show":
		handleAuditShow(ctx)
	case "help", "--help", "-h":
		printAuditUsage()
	default:
		fmt.Printf("Unknown audit subcommand: %s\n\n", os.Args[2])
		printAuditUsage()
		os.Exit(1)
	}
}

func printAuditUsage() {
	fmt.Printf(`Query the retention audit trail

Every classification batch, trash move, permanent deletion, and
restore leaves an audit record. 'list' filters them; 'show' prints one
record in full, including its per-message detail.

Usage:
  mailfold-admin audit <subcommand> [options]

Subcommands:
  list  List audit records, newest first
  show  Show one audit record as JSON

Stages: classify, move_to_trash, permanent_delete, restore

Examples:
  mailfold-admin audit list --account user@example.com --limit 20
  mailfold-admin audit list --stage permanent_delete --since 2026-08-01
  mailfold-admin audit show --id ret_1756080000_77b0c4d1
`)
}

func handleAuditList(ctx context.Context) {
	fs := flag.NewFlagSet("audit list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	account := fs.String("account", "", "Only records for this account")
	stage := fs.String("stage", "", "Only records for this stage")
	since := fs.String("since", "", "Only records after this time (RFC 3339 or YYYY-MM-DD)")
	limit := fs.Int("limit", 50, "Maximum number of records")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin audit list [--account <address>] [--stage <stage>] [--since <time>] [--limit N]")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	query := url.Values{}
	if *account != "" {
		query.Set("account", *account)
	}
	if *stage != "" {
		query.Set("stage", *stage)
	}
	if *since != "" {
		query.Set("since", *since)
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}

	path := "/api/v1/audit"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Records []*db.AuditRecord `json:"records"`
		Total   int               `json:"total"`
	}
	if err := client.get(ctx, path, &resp); err != nil {
		failf("failed to list audit records: %v", err)
	}

	if resp.Total == 0 {
		fmt.Println("No audit records matched.")
		return
	}

	printAuditTable(resp.Records)
	fmt.Printf("\nTotal records: %d\n", resp.Total)
	if resp.Total >= *limit && *limit > 0 {
		fmt.Printf("(Showing first %d records. Use --limit to see more)\n", *limit)
	}
}

func handleAuditShow(ctx context.Context) {
	fs := flag.NewFlagSet("audit show", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Audit ID, e.g. ret_1756080000_77b0c4d1 (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin audit show --id <audit-id>")
		fmt.Println("Prints one audit record in full, including per-message detail.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	var record db.AuditRecord
	if err := client.get(ctx, "/api/v1/audit/"+url.PathEscape(*id), &record); err != nil {
		failf("failed to load audit record: %v", err)
	}
	printJSON(record)
}
