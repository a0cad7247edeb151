package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rentwheel",
	Short: "RentWheel chat CLI",
	Long:  "Command-line interface for RentWheel renter/owner chat.\nRun the chat server, manage configuration and talk in conversations.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
