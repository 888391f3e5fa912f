package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mailfold/mailfold/server/httpapi"
)

func handleRulesCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printRulesUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleRulesList(ctx)
	case "show":
		handleRulesShow(ctx)
	case "create":
		handleRulesCreate(ctx)
	case "update":
		handleRulesUpdate(ctx)
	case "delete":
		handleRulesDelete(ctx)
	case "activate":
		handleRulesSetActive(ctx, true)
	case "deactivate":
		handleRulesSetActive(ctx, false)
	case "test":
		handleRulesTest(ctx)
	case "help", "--help", "-h":
		printRulesUsage()
	default:
		fmt.Printf("Unknown rules subcommand: %s\n\n", os.Args[2])
		printRulesUsage()
		os.Exit(1)
	}
}

func printRulesUsage() {
	fmt.Printf(`Manage classification rules

Rules are written as JSON documents. A minimal rule file:

  {
    "account": "user@example.com",
    "name": "newsletters",
    "priority": 10,
    "conditions": [
      {"kind": "sender_domain", "value": "news.example.com"}
    ],
    "actions": [
      {"kind": "move_to_folder", "value": "Newsletters"}
    ]
  }

Usage:
  mailfold-admin rules <subcommand> [options]

Subcommands:
  list        List rules, optionally for one account
  show        Show one rule as JSON
  create      Create a rule from a JSON file
  update      Replace a rule from a JSON file
  delete      Delete a rule
  activate    Activate a rule
  deactivate  Deactivate a rule
  test        Evaluate a message against rules without moving anything

Examples:
  mailfold-admin rules list --account user@example.com
  mailfold-admin rules create --file newsletter-rule.json
  mailfold-admin rules update --id 4f1c... --file newsletter-rule.json
  mailfold-admin rules test --account user@example.com --sender promo@shop.example
`)
}

func handleRulesList(ctx context.Context) {
	fs := flag.NewFlagSet("rules list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	account := fs.String("account", "", "Only show rules for this account")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules list [--account <address>]")
		fmt.Println("Lists rules in evaluation order.")
	}
	fs.Parse(os.Args[3:])

	client := cf.newClient(fs)

	path := "/api/v1/rules"
	if *account != "" {
		path += "?account=" + url.QueryEscape(*account)
	}

	var resp struct {
		Rules []*httpapi.RuleJSON `json:"rules"`
		Total int                 `json:"total"`
	}
	if err := client.get(ctx, path, &resp); err != nil {
		failf("failed to list rules: %v", err)
	}

	if resp.Total == 0 {
		fmt.Println("No rules defined.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACCOUNT\tPRIORITY\tACTIVE\tCONDITIONS\tACTIONS")
	for _, rule := range resp.Rules {
		active := rule.Active != nil && *rule.Active
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%d\t%s\n",
			shortID(rule.ID), rule.Name, rule.Account, rule.Priority, active,
			len(rule.Conditions), summarizeActions(rule.Actions))
	}
	w.Flush()

	fmt.Printf("\nTotal rules: %d\n", resp.Total)
}

func handleRulesShow(ctx context.Context) {
	fs := flag.NewFlagSet("rules show", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Rule ID (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules show --id <rule-id>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	var rule httpapi.RuleJSON
	if err := client.get(ctx, "/api/v1/rules/"+url.PathEscape(*id), &rule); err != nil {
		failf("failed to load rule: %v", err)
	}
	printJSON(rule)
}

func handleRulesCreate(ctx context.Context) {
	fs := flag.NewFlagSet("rules create", flag.ExitOnError)
	cf := registerClientFlags(fs)
	file := fs.String("file", "", "Path to a rule JSON file, or '-' for stdin (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules create --file <rule.json>")
		fmt.Println("Creates a rule from a JSON document. See 'rules help' for the format.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "file", *file)

	var rule httpapi.RuleJSON
	if err := readJSONFile(*file, &rule); err != nil {
		failf("failed to read rule file: %v", err)
	}

	client := cf.newClient(fs)

	var created httpapi.RuleJSON
	if err := client.post(ctx, "/api/v1/rules", rule, &created); err != nil {
		failf("failed to create rule: %v", err)
	}

	fmt.Printf("Created rule %q with id %s\n", created.Name, created.ID)
}

func handleRulesUpdate(ctx context.Context) {
	fs := flag.NewFlagSet("rules update", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Rule ID (required)")
	file := fs.String("file", "", "Path to a rule JSON file, or '-' for stdin (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules update --id <rule-id> --file <rule.json>")
		fmt.Println("Replaces a rule with the contents of a JSON document.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)
	requireFlag(fs, "file", *file)

	var rule httpapi.RuleJSON
	if err := readJSONFile(*file, &rule); err != nil {
		failf("failed to read rule file: %v", err)
	}

	client := cf.newClient(fs)

	var updated httpapi.RuleJSON
	if err := client.put(ctx, "/api/v1/rules/"+url.PathEscape(*id), rule, &updated); err != nil {
		failf("failed to update rule: %v", err)
	}

	fmt.Printf("Updated rule %q (%s)\n", updated.Name, updated.ID)
}

func handleRulesDelete(ctx context.Context) {
	fs := flag.NewFlagSet("rules delete", flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Rule ID (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules delete --id <rule-id>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	if err := client.del(ctx, "/api/v1/rules/"+url.PathEscape(*id), nil); err != nil {
		failf("failed to delete rule: %v", err)
	}
	fmt.Println("Rule deleted.")
}

func handleRulesSetActive(ctx context.Context, active bool) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}

	fs := flag.NewFlagSet("rules "+verb, flag.ExitOnError)
	cf := registerClientFlags(fs)
	id := fs.String("id", "", "Rule ID (required)")
	fs.Usage = func() {
		fmt.Printf("Usage: mailfold-admin rules %s --id <rule-id>\n", verb)
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "id", *id)

	client := cf.newClient(fs)

	path := fmt.Sprintf("/api/v1/rules/%s/%s", url.PathEscape(*id), verb)
	if err := client.post(ctx, path, nil, nil); err != nil {
		failf("failed to %s rule: %v", verb, err)
	}
	fmt.Printf("Rule %sd.\n", verb)
}

func handleRulesTest(ctx context.Context) {
	fs := flag.NewFlagSet("rules test", flag.ExitOnError)
	cf := registerClientFlags(fs)
	account := fs.String("account", "", "Account whose stored rules to test against")
	sender := fs.String("sender", "", "Message sender address (required)")
	subject := fs.String("subject", "", "Message subject")
	content := fs.String("content", "", "Message body text")
	file := fs.String("file", "", "JSON file with an array of rules to test instead of stored rules")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin rules test --sender <address> [--account <address>] [--subject <text>] [--file <rules.json>]")
		fmt.Println("Evaluates a synthetic message and reports the first matching rule. Nothing is moved.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "sender", *sender)

	body := map[string]interface{}{
		"message": map[string]string{
			"account": *account,
			"sender":  *sender,
			"subject": *subject,
			"content": *content,
		},
	}
	if *file != "" {
		var rules []httpapi.RuleJSON
		if err := readJSONFile(*file, &rules); err != nil {
			failf("failed to read rules file: %v", err)
		}
		body["rules"] = rules
	}

	client := cf.newClient(fs)

	var resp struct {
		Matched  bool                 `json:"matched"`
		RuleID   string               `json:"rule_id"`
		RuleName string               `json:"rule_name"`
		Actions  []httpapi.ActionJSON `json:"actions"`
	}
	if err := client.post(ctx, "/api/v1/rules/test", body, &resp); err != nil {
		failf("rule test failed: %v", err)
	}

	if !resp.Matched {
		fmt.Println("No rule matched.")
		return
	}
	fmt.Printf("Matched rule: %s (%s)\n", resp.RuleName, resp.RuleID)
	for _, action := range resp.Actions {
		if action.Value != "" {
			fmt.Printf("  %s: %s\n", action.Kind, action.Value)
		} else {
			fmt.Printf("  %s\n", action.Kind)
		}
	}
}

// readJSONFile decodes a JSON document from a file or stdin when the
// path is "-".
func readJSONFile(path string, out interface{}) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func summarizeActions(actions []httpapi.ActionJSON) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		if a.Value != "" {
			parts = append(parts, fmt.Sprintf("%s:%s", a.Kind, a.Value))
		} else {
			parts = append(parts, a.Kind)
		}
	}
	return truncate(strings.Join(parts, ", "), 50)
}
