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

func handleListsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printListsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleListsList(ctx)
	case "show":
		handleListsShow(ctx)
	case "create":
		handleListsCreate(ctx)
	case "delete":
		handleListsDelete(ctx)
	case "add":
		handleListsAdd(ctx)
	case "remove":
		handleListsRemove(ctx)
	case "help", "--help", "-h":
		printListsUsage()
	default:
		fmt.Printf("Unknown lists subcommand: %s\n\n", os.Args[2])
		printListsUsage()
		os.Exit(1)
	}
}

func printListsUsage() {
	fmt.Printf(`Manage address lists

Every account gets the built-in lists (allow, deny, vendor, recruiter)
plus any number of custom lists. Rules reference lists through the
sender_in_list condition. Built-in lists cannot be created or deleted,
only edited.

Usage:
  mailfold-admin lists <subcommand> [options]

Subcommands:
  list    Show an account's lists
  show    Show the addresses in one list
  create  Create a custom list
  delete  Delete a custom list
  add     Add an address to a list
  remove  Remove an address from a list

Examples:
  mailfold-admin lists list --email user@example.com
  mailfold-admin lists add --email user@example.com --name allow --address boss@corp.example
  mailfold-admin lists create --email user@example.com --name newsletters
`)
}

func handleListsList(ctx context.Context) {
	fs := flag.NewFlagSet("lists list", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists list --email <address>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)

	client := cf.newClient(fs)

	var resp struct {
		Account string     `json:"account"`
		Lists   []*db.List `json:"lists"`
		Total   int        `json:"total"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/lists", url.PathEscape(*email))
	if err := client.get(ctx, path, &resp); err != nil {
		failf("failed to list lists: %v", err)
	}

	if resp.Total == 0 {
		fmt.Printf("No lists for %s.\n", resp.Account)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tENTRIES\tUPDATED")
	for _, list := range resp.Lists {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			list.Name, list.Kind, list.EntryCount, formatTime(list.UpdatedAt))
	}
	w.Flush()
}

func handleListsShow(ctx context.Context) {
	fs := flag.NewFlagSet("lists show", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	name := fs.String("name", "", "List name (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists show --email <address> --name <list>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "name", *name)

	client := cf.newClient(fs)

	var resp struct {
		Account string         `json:"account"`
		List    string         `json:"list"`
		Entries []db.ListEntry `json:"entries"`
		Total   int            `json:"total"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/lists/%s",
		url.PathEscape(*email), url.PathEscape(*name))
	if err := client.get(ctx, path, &resp); err != nil {
		failf("failed to load list: %v", err)
	}

	if resp.Total == 0 {
		fmt.Printf("List %q is empty.\n", resp.List)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tADDED")
	for _, entry := range resp.Entries {
		fmt.Fprintf(w, "%s\t%s\n", entry.Address, formatTime(entry.AddedAt))
	}
	w.Flush()

	fmt.Printf("\nTotal addresses: %d\n", resp.Total)
}

func handleListsCreate(ctx context.Context) {
	fs := flag.NewFlagSet("lists create", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	name := fs.String("name", "", "Name for the new list (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists create --email <address> --name <list>")
		fmt.Println("Creates an empty custom list.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "name", *name)

	client := cf.newClient(fs)

	var list db.List
	path := fmt.Sprintf("/api/v1/accounts/%s/lists", url.PathEscape(*email))
	if err := client.post(ctx, path, map[string]string{"name": *name}, &list); err != nil {
		failf("failed to create list: %v", err)
	}

	fmt.Printf("Created list %q for %s\n", list.Name, list.Account)
}

func handleListsDelete(ctx context.Context) {
	fs := flag.NewFlagSet("lists delete", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	name := fs.String("name", "", "List name (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists delete --email <address> --name <list>")
		fmt.Println("Deletes a custom list and its entries. Built-in lists cannot be deleted.")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "name", *name)

	client := cf.newClient(fs)

	path := fmt.Sprintf("/api/v1/accounts/%s/lists/%s",
		url.PathEscape(*email), url.PathEscape(*name))
	if err := client.del(ctx, path, nil); err != nil {
		failf("failed to delete list: %v", err)
	}
	fmt.Println("List deleted.")
}

func handleListsAdd(ctx context.Context) {
	fs := flag.NewFlagSet("lists add", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	name := fs.String("name", "", "List name (required)")
	address := fs.String("address", "", "Address to add (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists add --email <address> --name <list> --address <sender>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "name", *name)
	requireFlag(fs, "address", *address)

	client := cf.newClient(fs)

	path := fmt.Sprintf("/api/v1/accounts/%s/lists/%s/entries",
		url.PathEscape(*email), url.PathEscape(*name))
	if err := client.post(ctx, path, map[string]string{"address": *address}, nil); err != nil {
		failf("failed to add address: %v", err)
	}
	fmt.Printf("Added %s to %s\n", *address, *name)
}

func handleListsRemove(ctx context.Context) {
	fs := flag.NewFlagSet("lists remove", flag.ExitOnError)
	cf := registerClientFlags(fs)
	email := fs.String("email", "", "Account email address (required)")
	name := fs.String("name", "", "List name (required)")
	address := fs.String("address", "", "Address to remove (required)")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin lists remove --email <address> --name <list> --address <sender>")
	}
	fs.Parse(os.Args[3:])
	requireFlag(fs, "email", *email)
	requireFlag(fs, "name", *name)
	requireFlag(fs, "address", *address)

	client := cf.newClient(fs)

	path := fmt.Sprintf("/api/v1/accounts/%s/lists/%s/entries/%s",
		url.PathEscape(*email), url.PathEscape(*name), url.PathEscape(*address))
	if err := client.del(ctx, path, nil); err != nil {
		failf("failed to remove address: %v", err)
	}
	fmt.Printf("Removed %s from %s\n", *address, *name)
}
