package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// handleHashAPIKey generates the bcrypt hash accepted by the daemon's
// [api] api_key_bcrypt setting, so the plaintext key can stay out of
// the configuration file.
func handleHashAPIKey() {
	fs := flag.NewFlagSet("hash-api-key", flag.ExitOnError)
	key := fs.String("key", "", "API key to hash (default: read one line from stdin)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost, between 4 and 31")
	fs.Usage = func() {
		fmt.Println("Usage: mailfold-admin hash-api-key [--key <key>] [--cost N]")
		fmt.Println("Prints a bcrypt hash of the API key. With no --key the key is read from stdin,")
		fmt.Println("which keeps it out of the shell history.")
	}
	fs.Parse(os.Args[2:])

	value := *key
	if value == "" {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			failf("failed to read key from stdin: %v", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		failf("no API key given; pass --key or pipe the key on stdin")
	}

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		failf("--cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(value), *cost)
	if err != nil {
		failf("failed to hash key: %v", err)
	}

	fmt.Println(string(hash))
	fmt.Println()
	fmt.Println("Put this in the [api] section of the configuration file:")
	fmt.Printf("  api_key_bcrypt = %q\n", string(hash))
}
