package main

import (
	"context"
	"fmt"
	"time"

	socius "github.com/oakhillpines/socius-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and unread count",
	Long:  "Display the current configuration and fetch the live unread notification count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, socius.DefaultBaseURL))
		fmt.Printf("  Model:    %s\n", valueOrDefault(cfg.Default.Model, socius.DefaultModel))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
		} else {
			fmt.Println("  Username: (not set)")
		}
		if cfg.Auth.SessionToken != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.SessionToken))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if cfg.Auth.SessionToken == "" {
			return nil
		}

		// Live unread count.
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		total, err := client.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("\nUnread:     error: %v\n", err)
			return nil
		}
		fmt.Printf("\nUnread:     %d\n", total)
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
