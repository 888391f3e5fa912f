package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/mailfold/mailfold/config"
)

// Build-time variables set by ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]

	switch command {
	case "accounts":
		handleAccountsCommand(ctx)
	case "rules":
		handleRulesCommand(ctx)
	case "lists":
		handleListsCommand(ctx)
	case "policies":
		handlePoliciesCommand(ctx)
	case "retention":
		handleRetentionCommand(ctx)
	case "trash":
		handleTrashCommand(ctx)
	case "audit":
		handleAuditCommand(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "hash-api-key":
		handleHashAPIKey()
	case "version", "--version":
		fmt.Printf("mailfold-admin %s (commit %s, built %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Mailfold Admin Tool

Usage:
  mailfold-admin <command> <subcommand> [options]

Commands:
  accounts      Inspect and control account processing
  rules         Manage classification rules
  lists         Manage address lists
  policies      Manage retention policies
  retention     Preview and execute retention runs
  trash         Inspect trash tracking and restore messages
  audit         Query the retention audit trail
  migrate       Manage database schema migrations
  hash-api-key  Generate a bcrypt hash of an admin API key
  version       Show version information
  help          Show this help message

Most commands talk to a running mailfold daemon through its admin API.
The API address and key are read from the configuration file; the
--api-url and --api-key flags and the MAILFOLD_API_KEY environment
variable override it. 'migrate' connects to the database directly and
must run while the daemon is stopped.

Examples:
  mailfold-admin accounts list
  mailfold-admin accounts start --email user@example.com --mode startup
  mailfold-admin rules list --account user@example.com
  mailfold-admin retention execute --dry-run
  mailfold-admin trash restore --email user@example.com --uids 101,102
  mailfold-admin migrate up

Use 'mailfold-admin <command> help' for more information about a command.
`)
}

// loadConfigFile reads the TOML configuration. A missing default config
// file is tolerated so API commands can run on flags and environment
// alone; a missing file named explicitly with --config is an error.
func loadConfigFile(fs *flag.FlagSet, path string) config.Config {
	cfg := config.NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				failf("configuration file '%s' not found", path)
			}
		} else {
			failf("parsing configuration file '%s': %v", path, err)
		}
	}
	return cfg
}

// failf prints an error to stderr and exits.
func failf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// requireFlag exits with usage help when a required flag is empty.
func requireFlag(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: --%s is required\n\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
