package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	inboxRole  string
	inboxLimit int
	inboxJSON  bool

	unreadConversation string
	unreadWatch        bool
	unreadInterval     time.Duration
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		chat := rentwheel.NewChat(cfg.Auth.UserID, client, rentwheel.NewMemoryFeed())
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := chat.Inbox(ctx, rentwheel.Role(inboxRole), inboxLimit)
		if err != nil {
			return fmt.Errorf("%s", rentwheel.NoticeOf(err))
		}
		if inboxJSON {
			out, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		if len(list) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, s := range list {
			vehicle := string(s.Conversation.VehicleID)
			if vehicle == "" {
				vehicle = "general"
			}
			fmt.Printf("%s  with %-16s  %-10s  unread %-3d  %s\n",
				s.Conversation.ID, s.Conversation.Counterpart(cfg.Auth.UserID), vehicle, s.UnreadCount, s.Preview())
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message counts",
	Long:  "Count unread messages in one conversation (--conversation) or across every conversation you own.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		q := rentwheel.UnreadQuery{ConversationID: unreadConversation, Reader: cfg.Auth.UserID}
		if q.ConversationID == "" {
			q.OwnerID = cfg.Auth.UserID
		}

		if !unreadWatch {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n, err := client.CountUnread(ctx, q)
			if err != nil {
				return fmt.Errorf("%s", rentwheel.NoticeOf(err))
			}
			fmt.Println(n)
			return nil
		}

		chat := rentwheel.NewChat(cfg.Auth.UserID, client, rentwheel.NewMemoryFeed())
		defer chat.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		poller := chat.WatchUnread(ctx, q, unreadInterval, func(n int, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %s\n", rentwheel.NoticeOf(err))
				return
			}
			fmt.Printf("%s unread: %d\n", time.Now().Format("15:04:05"), n)
		})
		<-ctx.Done()
		poller.Stop()
		return nil
	},
}

func init() {
	inboxCmd.Flags().StringVar(&inboxRole, "role", string(rentwheel.RoleOwner), "Which side to list: owner or renter")
	inboxCmd.Flags().IntVar(&inboxLimit, "limit", rentwheel.DefaultInboxLimit, "Number of conversations")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")

	unreadCmd.Flags().StringVar(&unreadConversation, "conversation", "", "Count one conversation only")
	unreadCmd.Flags().BoolVar(&unreadWatch, "watch", false, "Keep polling until interrupted")
	unreadCmd.Flags().DurationVar(&unreadInterval, "interval", rentwheel.DefaultUnreadInterval, "Polling interval with --watch")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(unreadCmd)
}
