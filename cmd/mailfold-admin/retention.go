package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/server/retention"
)

func handleRetentionCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printRetentionUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "preview":
		handleRetentionPreview(ctx)
	case "execute":
		handleRetentionExecute(ctx)
	case "help", "--help", "-h":
		printRetentionUsage()
	default:
		fmt.Printf("Unknown retention subcommand: %s\n\n", os.Args[2])
		printRetentionUsage()
		os.Exit(1)
	}
}

func printRetentionUsage() {
	fmt.Printf(`Preview and execute retention runs

'preview' counts what a run would touch without changing anything.
'execute' runs retention immediately, serialized against the daily
scheduled run; with --dry-run it writes dry-run audit records instead
of moving or deleting messages.

Usage:
  mailfold-admin retention <subcommand> [options]

Subcommands:
  preview  Count trash and delete candidates without touching them
  execute  Run retention now

Examples:
  mailfold-admin retention preview
  mailfold-admin retention preview --policy 77b0c4d1 --as-of 2026-09-01T00:00:00Z
  mailfold-admin retention execute --dry-run
  mailfold-admin retention execute --account user@example.com
`)
}

func handleRetentionPreview(ctx context.Context) {
	fs := flag.NewFlagSet("retention preview", flag.ExitOnError)
	cf := registerClientFlags(fs)
	policy := fs.String("policy", "", "Limit to one policy id")
	account := fs.String("account", "", "Limit to one account")
	asOf := fs.String("as-of", "", "Evaluate ages as of this RFC 3339 time (default: now)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin retention preview [--policy <id>] [--account <address>] [--as-of <time>]")
		fmt.Println("Counts what a retention run would trash and delete. Nothing is changed.")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	body := map[string]string{
		"policy_id": *policy,
		"account":   *account,
		"as_of":     *asOf,
	}

	var result retention.PreviewResult
	if err := client.post(ctx, "/api/v1/retention/preview", body, &result); err != nil {
		failf("preview failed: %v", err)
	}

	fmt.Printf("Emails to trash:  %d\n", result.EmailsToTrash)
	fmt.Printf("Emails to delete: %d\n", result.EmailsToDelete)
	if len(result.FoldersAffected) > 0 {
		fmt.Println("Folders affected:")
		for _, folder := range result.FoldersAffected {
			fmt.Printf("  %s\n", folder)
		}
	}
}

func handleRetentionExecute(ctx context.Context) {
	fs := flag.NewFlagSet("retention execute", flag.ExitOnError)
	cf := registerClientFlags(fs)
	policy := fs.String("policy", "", "Limit to one policy id")
	account := fs.String("account", "", "Limit to one account")
	dryRun := fs.Bool("dry-run", false, "Record what would happen without moving or deleting")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin retention execute [--policy <id>] [--account <address>] [--dry-run]")
		fmt.Println("Runs retention immediately and prints the audit records it produced.")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	body := map[string]interface{}{
		"policy_id": *policy,
		"account":   *account,
		"dry_run":   *dryRun,
	}

	var resp struct {
		DryRun  bool              `json:"dry_run"`
		Records []*db.AuditRecord `json:"records"`
		Total   int               `json:"total"`
		Error   string            `json:"error"`
	}
	if err := client.post(ctx, "/api/v1/retention/execute", body, &resp); err != nil {
		failf("retention run failed: %v", err)
	}

	if resp.DryRun {
		fmt.Println("DRY RUN: no messages were moved or deleted.")
	}
	if resp.Total == 0 {
		fmt.Println("Nothing to do; no audit records were produced.")
	} else {
		printAuditTable(resp.Records)
		fmt.Printf("\nTotal records: %d\n", resp.Total)
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "\nWarning: the run finished partially: %s\n", resp.Error)
		os.Exit(1)
	}
}

func printAuditTable(records []*db.AuditRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AUDIT ID\tCREATED\tACCOUNT\tSTAGE\tFOLDER\tCOUNT\tOK\tDRY\tERROR")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%t\t%s\n",
			rec.AuditID, formatTime(rec.CreatedAt), rec.Account, rec.Stage,
			rec.Folder, rec.MessageCount, rec.Success, rec.DryRun,
			truncate(rec.ErrorText, 40))
	}
	w.Flush()
}
