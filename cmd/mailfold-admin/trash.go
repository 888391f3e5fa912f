package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mailfold/mailfold/db"
)

func handleTrashCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printTrashUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleTrashList(ctx)
	case "restore":
		handleTrashRestore(ctx)
	case "help", "--help", "-h":
		printTrashUsage()
	default:
		fmt.Printf("Unknown trash subcommand: %s\n\n", os.Args[2])
		printTrashUsage()
		os.Exit(1)
	}
}

func printTrashUsage() {
	fmt.Printf(`Inspect trash tracking and restore messages

Messages moved to trash by a retention policy stay restorable until
their purge date. 'list' shows what is still restorable; 'restore'
moves messages back to their origin folder (or a folder of your
choosing) and clears their purge schedule.

Usage:
  mailfold-admin trash <subcommand> [options]

Subcommands:
  list     Show restorable trash entries for an account
  restore  Move trashed messages back out of trash

Examples:
  mailfold-admin trash list --email user@example.com
  mailfold-admin trash restore --email user@example.com --uids 101,102
  mailfold-admin trash restore --email user@example.com --uids 101 --folder INBOX
`)
}

func handleTrashList(ctx context.Context) {
	fs := flag.NewFlagSet("trash list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin trash list --email <address>")
		fmt.Println("Shows trash entries that can still be restored.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var resp struct {
		Account string           `json:"account"`
		Entries []*db.TrashEntry `json:"entries"`
		Total   int              `json:"total"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/trash", url.PathEscape(*email))
	if err := client.get(ctx, path, &resp); err != nil {
		failf("failed to list trash: %v", err)
	}

	if resp.Total == 0 {
		fmt.Printf("No restorable trash entries for %s.\n", resp.Account)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tORIGIN FOLDER\tSENDER\tSUBJECT\tTRASHED\tPURGE AFTER")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.UID, e.OriginFolder, truncate(e.Sender, 30), truncate(e.Subject, 40),
			formatTime(e.TrashedAt), formatTime(e.PurgeAfter))
	}
	w.Flush()

	fmt.Printf("\nTotal entries: %d\n", resp.Total)
}

func handleTrashRestore(ctx context.Context) {
	fs := flag.NewFlagSet("trash restore", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	uids := fs.String("uids", "", "Comma-separated trash UIDs to restore (required)")
	folder := fs.String("folder", "", "Target folder (default: each message's origin folder)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin trash restore --email <address> --uids <uid,uid,...> [--folder <name>]")
		fmt.Println("Moves trashed messages back out of trash and stops their purge schedule.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "uids", *uids)

	parsed, err := parseUIDList(*uids)
	if err != nil {
		failf("invalid --uids: %v", err)
	}

	client := cf.newClient(fs)

	var resp struct {
		Account   string `json:"account"`
		Requested int    `json:"requested"`
		Restored  int    `json:"restored"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/trash/restore", url.PathEscape(*email))
	body := map[string]interface{}{"uids": parsed}
	if *folder != "" {
		body["target_folder"] = *folder
	}
	if err := client.post(ctx, path, body, &resp); err != nil {
		failf("restore failed: %v", err)
	}

	fmt.Printf("Restored %d of %d message(s) for %s.\n", resp.Restored, resp.Requested, resp.Account)
	if resp.Restored < resp.Requested {
		fmt.Println("Some UIDs were not restorable; they may already be restored or purged.")
	}
}

func parseUIDList(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	uids := make([]uint32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q is not a UID", part)
		}
		uids = append(uids, uint32(v))
	}
	if len(uids) == 0 {
		return nil, fmt.Errorf("no UIDs given")
	}
	return uids, nil
}
