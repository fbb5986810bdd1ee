package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	socius "github.com/oakhillpines/socius-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(dmCmd)
	dmCmd.AddCommand(dmSendCmd)
	dmCmd.AddCommand(dmHistoryCmd)
}

var dmCmd = &cobra.Command{
	Use:   "dm",
	Short: "Exchange direct messages",
}

var dmSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		client := getClient()
		engine := socius.NewEngine(client)
		defer engine.Close()

		conv := engine.Conversation(socius.DirectKey(peerID))
		defer conv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := conv.Send(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent (message %s)\n", res.Message.ID)
		return nil
	},
}

var dmHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Print the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		client := getClient()
		engine := socius.NewEngine(client)
		defer engine.Close()

		conv := engine.Conversation(socius.DirectKey(peerID))
		defer conv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := conv.LoadHistory(ctx); err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		for _, m := range conv.Messages() {
			printMessage(m)
		}
		return nil
	},
}
