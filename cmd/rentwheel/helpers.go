package main

import (
	"fmt"
	"os"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

// getClient creates a client authenticated with the stored token.
func getClient() (*rentwheel.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'rentwheel init <token> --user-id <id>' first.")
		os.Exit(1)
	}

	var opts []rentwheel.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, rentwheel.WithBaseURL(cfg.Default.BaseURL))
	}
	return rentwheel.NewClient(cfg.Auth.Token, opts...), cfg
}

// printNotices writes chat notices to stderr, the way a UI would show a toast.
func printNotices(chat *rentwheel.Chat) {
	chat.On(rentwheel.EventNotice, func(_ string, payload any) {
		if n, ok := payload.(rentwheel.Notice); ok {
			fmt.Fprintf(os.Stderr, "! %s\n", n.Text)
		}
	})
}

func printMessage(self string, m rentwheel.Message) {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	state := ""
	if m.ID.IsProvisional() {
		state = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s  #%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Body, state, m.ID)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
