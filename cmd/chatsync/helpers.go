package main

import (
	"encoding/json"
	"fmt"
	"os"

	chatsync "github.com/loopmarkt/chatsync-go"
)

// newClient creates a messaging client from CLI config. token overrides the
// stored one when non-empty.
func newClient(cfg *Config, token string) *chatsync.Client {
	if token == "" {
		token = cfg.Auth.Token
	}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(token, opts...)
}

// getClient creates an authenticated client or exits with a hint.
func getClient() (*Config, *chatsync.Client) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync register <username>' or 'chatsync login <token>' first.")
		os.Exit(1)
	}
	return cfg, newClient(cfg, "")
}

// printJSON pretty-prints a value as JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
