package main

import (
	"fmt"
	"os"

	socius "github.com/oakhillpines/socius-go"
)

// getClient creates a Socius client from the stored configuration.
func getClient() *socius.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.SessionToken == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'socius init <token>' first.")
		os.Exit(1)
	}

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = socius.DefaultBaseURL
	}

	return socius.NewClient(baseURL, cfg.Auth.SessionToken)
}

// getModel returns the configured assistant model, falling back to the
// platform default.
func getModel() string {
	cfg, err := loadConfig()
	if err != nil {
		return socius.DefaultModel
	}
	if cfg.Default.Model != "" {
		return cfg.Default.Model
	}
	return socius.DefaultModel
}
