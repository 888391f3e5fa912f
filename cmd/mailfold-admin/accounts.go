package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/mailfold/mailfold/server/classifier"
	"github.com/mailfold/mailfold/server/processor"
)

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleAccountsList(ctx)
	case "state":
		handleAccountsState(ctx)
	case "start":
		handleAccountsStart(ctx)
	case "stop":
		handleAccountsStop(ctx)
	case "restart":
		handleAccountsRestart(ctx)
	case "classify":
		handleAccountsClassify(ctx)
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", os.Args[2])
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Inspect and control account processing

Usage:
  mailfold-admin accounts <subcommand> [options]

Subcommands:
  list      Show the processing state of every account
  state     Show one account's processing state as JSON
  start     Start processing an account
  stop      Stop processing an account
  restart   Restart an account, clearing its error state
  classify  Trigger a classification batch immediately

Examples:
  mailfold-admin accounts list
  mailfold-admin accounts start --email user@example.com --mode startup
  mailfold-admin accounts classify --email user@example.com --limit 50
`)
}

func handleAccountsList(ctx context.Context) {
	fs := flag.NewFlagSet("accounts list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts list [options]")
		fmt.Println("Shows the processing state of every registered account.")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	var resp struct {
		Accounts map[string]processor.Status `json:"accounts"`
		Total    int                         `json:"total"`
	}
	if err := client.get(ctx, "/api/v1/accounts/states", &resp); err != nil {
		failf("failed to list accounts: %v", err)
	}

	if resp.Total == 0 {
		fmt.Println("No accounts registered.")
		return
	}

	emails := make([]string, 0, len(resp.Accounts))
	for email := range resp.Accounts {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSTATE\tMODE\tFAILURES\tLAST RUN\tLAST ERROR")
	for _, email := range emails {
		st := resp.Accounts[email]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			email, st.State, st.Mode, st.ConsecutiveFailures,
			formatTime(st.LastRunAt), truncate(st.LastError, 60))
	}
	w.Flush()

	fmt.Printf("\nTotal accounts: %d\n", resp.Total)
}

func handleAccountsState(ctx context.Context) {
	fs := flag.NewFlagSet("accounts state", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts state --email <address> [options]")
		fmt.Println("Shows one account's processing state as JSON.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var status processor.Status
	path := fmt.Sprintf("/api/v1/accounts/%s/state", url.PathEscape(*email))
	if err := client.get(ctx, path, &status); err != nil {
		failf("failed to load account state: %v", err)
	}
	printJSON(status)
}

func handleAccountsStart(ctx context.Context) {
	fs := flag.NewFlagSet("accounts start", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	mode := fs.String("mode", "", "Processing mode: maintenance or startup (default: maintenance)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts start --email <address> [--mode maintenance|startup]")
		fmt.Println("Starts scheduled processing for an account.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var status processor.Status
	path := fmt.Sprintf("/api/v1/accounts/%s/start", url.PathEscape(*email))
	body := map[string]string{"mode": *mode}
	if err := client.post(ctx, path, body, &status); err != nil {
		failf("failed to start account: %v", err)
	}

	fmt.Printf("Account %s started in %s mode.\n", status.Account, status.Mode)
}

func handleAccountsStop(ctx context.Context) {
	fs := flag.NewFlagSet("accounts stop", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts stop --email <address>")
		fmt.Println("Stops scheduled processing for an account. An in-flight batch finishes first.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var status processor.Status
	path := fmt.Sprintf("/api/v1/accounts/%s/stop", url.PathEscape(*email))
	if err := client.post(ctx, path, nil, &status); err != nil {
		failf("failed to stop account: %v", err)
	}

	fmt.Printf("Account %s stopped.\n", status.Account)
}

func handleAccountsRestart(ctx context.Context) {
	fs := flag.NewFlagSet("accounts restart", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts restart --email <address>")
		fmt.Println("Restarts an account in maintenance mode, clearing its failure counter.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var status processor.Status
	path := fmt.Sprintf("/api/v1/accounts/%s/restart", url.PathEscape(*email))
	if err := client.post(ctx, path, nil, &status); err != nil {
		failf("failed to restart account: %v", err)
	}

	fmt.Printf("Account %s restarted in %s mode.\n", status.Account, status.Mode)
}

func handleAccountsClassify(ctx context.Context) {
	fs := flag.NewFlagSet("accounts classify", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	limit := fs.Int("limit", 0, "Batch size override (default: configured batch size)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin accounts classify --email <address> [--limit N]")
		fmt.Println("Runs one classification batch immediately and reports the outcome.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var resp struct {
		Account string                  `json:"account"`
		Result  *classifier.BatchResult `json:"result"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/classify", url.PathEscape(*email))
	if err := client.post(ctx, path, map[string]int{"limit": *limit}, &resp); err != nil {
		failf("classification failed: %v", err)
	}

	fmt.Printf("Account:   %s\n", resp.Account)
	if resp.Result == nil {
		return
	}
	fmt.Printf("Processed: %d\n", resp.Result.Processed)
	fmt.Printf("Pending:   %d\n", resp.Result.Pending)

	if len(resp.Result.Categories) > 0 {
		fmt.Println("Categories:")
		names := make([]string, 0, len(resp.Result.Categories))
		for name := range resp.Result.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-20s %d\n", name, resp.Result.Categories[name])
		}
	}
	if len(resp.Result.Errors) > 0 {
		fmt.Println("Errors:")
		for _, msg := range resp.Result.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}
}

// formatTime renders timestamps for tables; the zero time means never.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
