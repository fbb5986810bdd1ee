package main

import (
	"context"
	"fmt"
	"time"

	socius "github.com/oakhillpines/socius-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List recent direct conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		fetch := socius.NewFetchCoordinator(client)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summaries, err := fetch.RecentConversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, s := range summaries {
			when := socius.ParseTimestamp(s.LastMessageTime).Local().Format("Jan 2 15:04")
			unread := ""
			if s.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", s.UnreadCount)
			}
			fmt.Printf("%-20s (#%d)%s\n  %s  %s\n", s.FriendUsername, s.FriendID, unread, when, s.LastMessage)
		}
		return nil
	},
}
