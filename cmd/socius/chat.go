package main

import (
	"context"
	"fmt"
	"time"

	socius "github.com/oakhillpines/socius-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatAskCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatClearCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the Socius assistant",
}

var chatAskCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant and wait for the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		model := getModel()

		engine := socius.NewEngine(client)
		defer engine.Close()

		conv := engine.Conversation(socius.AIChatKey(model))
		defer conv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
		defer cancel()

		if _, err := conv.Send(ctx, args[0]); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The answer lands in the conversation when polling concludes.
		fmt.Println("Waiting for answer...")
		for conv.Typing() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		msgs := conv.Messages()
		if len(msgs) == 0 {
			return fmt.Errorf("no answer received")
		}
		last := msgs[len(msgs)-1]
		if last.Sender != socius.SenderAssistant {
			return fmt.Errorf("no answer received")
		}
		fmt.Println(last.Body)
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the assistant conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		model := getModel()

		engine := socius.NewEngine(client)
		defer engine.Close()

		conv := engine.Conversation(socius.AIChatKey(model))
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

var chatClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe the assistant conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		model := getModel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.ClearHistory(ctx, model); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		fmt.Println("History cleared.")
		return nil
	},
}

// printMessage renders one message as a prefixed line.
func printMessage(m socius.Message) {
	prefix := "them"
	switch m.Sender {
	case socius.SenderSelf:
		prefix = "you"
	case socius.SenderAssistant:
		prefix = "socius"
	}
	suffix := ""
	switch m.Delivery {
	case socius.DeliveryPending:
		suffix = " (sending)"
	case socius.DeliveryFailed:
		suffix = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), prefix, m.Body, suffix)
}
