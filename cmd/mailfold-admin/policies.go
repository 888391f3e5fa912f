package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/mailfold/mailfold/db"
)

func handlePoliciesCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printPoliciesUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handlePoliciesList(ctx)
	case "show":
		handlePoliciesShow(ctx)
	case "create":
		handlePoliciesCreate(ctx)
	case "update":
		handlePoliciesUpdate(ctx)
	case "delete":
		handlePoliciesDelete(ctx)
	case "activate":
		handlePoliciesSetActive(ctx, true)
	case "deactivate":
		handlePoliciesSetActive(ctx, false)
	case "help", "--help", "-h":
		printPoliciesUsage()
	default:
		fmt.Printf("Unknown policies subcommand: %s\n\n", os.Args[2])
		printPoliciesUsage()
		os.Exit(1)
	}
}

func printPoliciesUsage() {
	fmt.Printf(`Manage retention policies

A policy scopes to either a folder name or a rule id, never both.
Messages older than --days move to trash, where they stay restorable
for --trash-days before being deleted permanently. --skip-trash
deletes immediately instead, which is only advisable together with an
archive.

Usage:
  mailfold-admin policies <subcommand> [options]

Subcommands:
  list        List all retention policies
  show        Show one policy as JSON
  create      Create a policy
  update      Change fields of an existing policy
  delete      Delete a policy
  activate    Activate a policy
  deactivate  Deactivate a policy

Examples:
  mailfold-admin policies create --name newsletters-30d --folder Newsletters --days 30
  mailfold-admin policies create --name promo-cleanup --rule 4f1c8a2e --days 14 --trash-days 7
  mailfold-admin policies update --id 77b0... --days 60
  mailfold-admin policies deactivate --id 77b0...
`)
}

func handlePoliciesList(ctx context.Context) {
	fs := flag.NewFlagSet("policies list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin policies list")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	var resp struct {
		Policies []*db.RetentionPolicy `json:"policies"`
		Total    int                   `json:"total"`
	}
	if err := client.get(ctx, "/api/v1/policies", &resp); err != nil {
		failf("failed to list policies: %v", err)
	}

	if resp.Total == 0 {
		fmt.Println("No retention policies defined.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACCOUNT\tSCOPE\tKEEP\tTRASH\tACTIVE\tLAST APPLIED")
	for _, p := range resp.Policies {
		account := p.Account
		if account == "" {
			account = "(all)"
		}
		trash := fmt.Sprintf("%dd", p.TrashRetentionDays)
		if p.SkipTrash {
			trash = "skip"
		}
		lastApplied := "never"
		if p.LastAppliedAt != nil {
			lastApplied = formatTime(*p.LastAppliedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dd\t%s\t%t\t%s\n",
			shortID(p.ID), p.Name, account, formatScope(p),
			p.RetentionDays, trash, p.Active, lastApplied)
	}
	w.Flush()

	fmt.Printf("\nTotal policies: %d\n", resp.Total)
}

func formatScope(p *db.RetentionPolicy) string {
	if p.ScopeKind == db.ScopeRule {
		return "rule:" + shortID(p.ScopeValue)
	}
	return "folder:" + p.ScopeValue
}

func handlePoliciesShow(ctx context.Context) {
	fs := flag.NewFlagSet("policies show", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Policy ID (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin policies show --id <policy-id>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	var policy db.RetentionPolicy
	if err := client.get(ctx, "/api/v1/policies/"+url.PathEscape(*id), &policy); err != nil {
		failf("failed to load policy: %v", err)
	}
	printJSON(policy)
}

func handlePoliciesCreate(ctx context.Context) {
	fs := flag.NewFlagSet("policies create", flag.ExitOnError)
	cf := registerClientFlags(fs)
	name := fs.String("name", "", "Policy name (required)")
	description := fs.String("description", "", "Free-form description")
	account := fs.String("account", "", "Limit the policy to one account (default: all accounts)")
	folder := fs.String("folder", "", "Scope: folder name")
	rule := fs.String("rule", "", "Scope: rule id")
	days := fs.Int("days", 0, "Age in days after which messages move to trash (required)")
	trashDays := fs.Int("trash-days", 0, "Days messages stay in trash before permanent deletion (default: configured)")
	skipTrash := fs.Bool("skip-trash", false, "Delete permanently without the trash stage")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin policies create --name <name> (--folder <name> | --rule <id>) --days <n> [options]")
		fmt.Println("Creates an active retention policy. Scope is a folder or a rule, exactly one.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "name", *name)
	if (*folder == "") == (*rule == "") {
		failf("exactly one of --folder or --rule is required")
	}
	if !isFlagSet(fs, "days") {
		failf("--days is required")
	}

	client := cf.newClient(fs)

	body := map[string]interface{}{
		"name":                 *name,
		"description":          *description,
		"account":              *account,
		"folder":               *folder,
		"rule_id":              *rule,
		"retention_days":       *days,
		"trash_retention_days": *trashDays,
		"skip_trash":           *skipTrash,
	}

	var policy db.RetentionPolicy
	if err := client.post(ctx, "/api/v1/policies", body, &policy); err != nil {
		failf("failed to create policy: %v", err)
	}

	fmt.Printf("Created policy %q with id %s\n", policy.Name, policy.ID)
	if policy.SkipTrash {
		fmt.Println("Messages matching this policy are deleted permanently, with no trash stage.")
	}
}

// handlePoliciesUpdate reads the current policy, overlays the flags that
// were explicitly set, and submits the merged form. The API replaces the
// whole policy on update, so unset flags keep their stored values.
func handlePoliciesUpdate(ctx context.Context) {
	fs := flag.NewFlagSet("policies update", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Policy ID (required)")
	name := fs.String("name", "", "Policy name")
	description := fs.String("description", "", "Free-form description")
	account := fs.String("account", "", "Limit the policy to one account (empty: all accounts)")
	folder := fs.String("folder", "", "Scope: folder name")
	rule := fs.String("rule", "", "Scope: rule id")
	days := fs.Int("days", 0, "Age in days after which messages move to trash")
	trashDays := fs.Int("trash-days", 0, "Days messages stay in trash before permanent deletion")
	skipTrash := fs.Bool("skip-trash", false, "Delete permanently without the trash stage")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin policies update --id <policy-id> [options]")
		fmt.Println("Changes only the fields named by flags; everything else keeps its stored value.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)
	if isFlagSet(fs, "folder") && isFlagSet(fs, "rule") {
		failf("pass either --folder or --rule, not both")
	}

	client := cf.newClient(fs)

	var current db.RetentionPolicy
	if err := client.get(ctx, "/api/v1/policies/"+url.PathEscape(*id), &current); err != nil {
		failf("failed to load policy: %v", err)
	}

	body := map[string]interface{}{
		"name":                 current.Name,
		"description":          current.Description,
		"account":              current.Account,
		"retention_days":       current.RetentionDays,
		"trash_retention_days": current.TrashRetentionDays,
		"skip_trash":           current.SkipTrash,
		"active":               current.Active,
	}
	switch current.ScopeKind {
	case db.ScopeRule:
		body["rule_id"] = current.ScopeValue
	default:
		body["folder"] = current.ScopeValue
	}

	if isFlagSet(fs, "name") {
		body["name"] = *name
	}
	if isFlagSet(fs, "description") {
		body["description"] = *description
	}
	if isFlagSet(fs, "account") {
		body["account"] = *account
	}
	if isFlagSet(fs, "folder") {
		body["folder"] = *folder
		delete(body, "rule_id")
	}
	if isFlagSet(fs, "rule") {
		body["rule_id"] = *rule
		delete(body, "folder")
	}
	if isFlagSet(fs, "days") {
		body["retention_days"] = *days
	}
	if isFlagSet(fs, "trash-days") {
		body["trash_retention_days"] = *trashDays
	}
	if isFlagSet(fs, "skip-trash") {
		body["skip_trash"] = *skipTrash
	}

	var updated db.RetentionPolicy
	if err := client.put(ctx, "/api/v1/policies/"+url.PathEscape(*id), body, &updated); err != nil {
		failf("failed to update policy: %v", err)
	}

	fmt.Printf("Updated policy %q (%s)\n", updated.Name, updated.ID)
}

func handlePoliciesDelete(ctx context.Context) {
	fs := flag.NewFlagSet("policies delete", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Policy ID (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin policies delete --id <policy-id>")
		fmt.Println("Deletes a policy. Trash entries it created keep their purge schedule.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	if err := client.del(ctx, "/api/v1/policies/"+url.PathEscape(*id), nil); err != nil {
		failf("failed to delete policy: %v", err)
	}
	fmt.Println("Policy deleted.")
}

func handlePoliciesSetActive(ctx context.Context, active bool) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}

	fs := flag.NewFlagSet("policies "+verb, flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Policy ID (required)")
	fs.Usage = func() {
		fmt.Printf("Usage: mailfold-admin policies %s --id <policy-id>\n", verb)
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	path := fmt.Sprintf("/api/v1/policies/%s/%s", url.PathEscape(*id), verb)
	if err := client.post(ctx, path, nil, nil); err != nil {
		failf("failed to %s policy: %v", verb, err)
	}
	fmt.Printf("Policy %sd.\n", verb)
}
