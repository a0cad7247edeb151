package main

import (
	"context"
	"fmt"
	"time"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, rentwheel.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		unread, err := client.CountUnread(ctx, rentwheel.UnreadQuery{OwnerID: cfg.Auth.UserID})
		if err != nil {
			fmt.Printf("  Error: %s\n", rentwheel.NoticeOf(err))
			return nil
		}
		inbox, err := client.ListConversations(ctx, rentwheel.InboxQuery{Role: rentwheel.RoleRenter, Limit: rentwheel.DefaultInboxLimit})
		if err != nil {
			fmt.Printf("  Error: %s\n", rentwheel.NoticeOf(err))
			return nil
		}
		fmt.Printf("  Unread (as owner):     %d\n", unread)
		fmt.Printf("  Recent renter threads: %d\n", len(inbox))
		return nil
	},
}
