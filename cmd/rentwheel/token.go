package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rentwheel/rentwheel/sdk/golang/internal/auth"
)

var (
	tokenSecret string
	tokenUser   string
	tokenRole   string
	tokenTTL    time.Duration
	tokenSave   bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development token helpers",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a bearer token signed with the server's JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" || tokenUser == "" {
			return fmt.Errorf("--secret and --user are required")
		}
		token, expires, err := auth.NewManager(tokenSecret).Sign(tokenUser, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		if !tokenSave {
			fmt.Println(token)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.UserID = tokenUser
		cfg.Auth.TokenExpires = expires.Format(time.RFC3339)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Token for %s saved (expires %s)\n", tokenUser, cfg.Auth.TokenExpires)
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().StringVar(&tokenSecret, "secret", "", "JWT secret (RENTWHEEL_JWT_SECRET on the server)")
	tokenMintCmd.Flags().StringVar(&tokenUser, "user", "", "User id to issue the token for")
	tokenMintCmd.Flags().StringVar(&tokenRole, "role", "", "Optional role claim")
	tokenMintCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenMintCmd.Flags().BoolVar(&tokenSave, "save", false, "Store the token in the CLI config instead of printing it")

	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(tokenCmd)
}
