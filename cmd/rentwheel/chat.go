package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/spf13/cobra"

	"github.com/rentwheel/rentwheel/sdk/golang/internal/logger"
)

var (
	chatVehicle     string
	chatHistoryJSON bool
	chatUseSSE      bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Renter/owner conversations",
}

// ============================================================================
// chat start
// ============================================================================

var chatStartCmd = &cobra.Command{
	Use:   "start <owner-id>",
	Short: "Find or create a conversation with an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		dir := rentwheel.NewDirectory(client, logger.Get())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := dir.Resolve(ctx, cfg.Auth.UserID, args[0], rentwheel.Scope(chatVehicle))
		if err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		fmt.Println(conv.ID)
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.FetchMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		if chatHistoryJSON {
			out, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

// ============================================================================
// chat delete
// ============================================================================

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your own messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		chat := rentwheel.NewChat(cfg.Auth.UserID, client, rentwheel.NewMemoryFeed())
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := chat.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		if err := s.DeleteByID(ctx, rentwheel.ParseMessageID(args[1])); err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		fmt.Println("Deleted.")
		return nil
	},
}

// ============================================================================
// chat open
// ============================================================================

var chatOpenCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open a conversation, print its history and follow new messages live.\n" +
		"Type a line to send it. /delete <message-id> deletes one of your messages, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		self := cfg.Auth.UserID

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		feed, disconnect, err := connectFeed(ctx, client)
		if err != nil {
			return err
		}
		defer disconnect()

		chat := rentwheel.NewChat(self, client, feed, rentwheel.WithDeletePropagation(true))
		defer chat.Close()
		printNotices(chat)
		chat.On(rentwheel.EventMessageReceived, func(_ string, payload any) {
			if m, ok := payload.(rentwheel.Message); ok {
				printMessage(self, m)
			}
		})
		chat.On(rentwheel.EventMessageConfirmed, func(_ string, payload any) {
			if c, ok := payload.(rentwheel.Confirmation); ok {
				printMessage(self, c.Message)
			}
		})
		chat.On(rentwheel.EventMessageDeleted, func(_ string, payload any) {
			if m, ok := payload.(rentwheel.Message); ok {
				fmt.Printf("(message #%s deleted)\n", m.ID)
			}
		})

		s, err := chat.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		conv := s.Conversation()
		fmt.Printf("Conversation with %s. /quit to leave.\n", conv.Counterpart(self))
		for _, m := range s.Messages() {
			printMessage(self, m)
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
				case line == "/quit":
					return nil
				case strings.HasPrefix(line, "/delete "):
					id := rentwheel.ParseMessageID(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
					// Failures are reported through the notice listener.
					_ = s.DeleteByID(ctx, id)
				default:
					if _, err := s.Send(ctx, line); err != nil {
						fmt.Fprintf(os.Stderr, "! %s\n", rentwheel.NoticeOf(err))
					}
				}
			}
		}
	},
}

// connectFeed dials the websocket feed, or the SSE stream with --sse.
func connectFeed(ctx context.Context, client *rentwheel.Client) (rentwheel.Feed, func(), error) {
	cfg := &rentwheel.RealtimeConfig{AutoReconnect: true}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if chatUseSSE {
		sse := client.RealtimeSSE(cfg)
		if err := sse.Connect(dialCtx); err != nil {
			return nil, nil, fmt.Errorf("connect sse: %w", err)
		}
		return sse, func() { sse.Disconnect() }, nil
	}
	ws := client.RealtimeWS(cfg)
	ws.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)\n", attempt, delay)
	})
	if err := ws.Connect(dialCtx); err != nil {
		return nil, nil, fmt.Errorf("connect websocket: %w", err)
	}
	return ws, func() { ws.Disconnect() }, nil
}

func init() {
	chatStartCmd.Flags().StringVar(&chatVehicle, "vehicle", "", "Vehicle the conversation is about")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")
	chatOpenCmd.Flags().BoolVar(&chatUseSSE, "sse", false, "Follow messages over server-sent events instead of a websocket")

	chatCmd.AddCommand(chatStartCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatOpenCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	rootCmd.AddCommand(chatCmd)
}
