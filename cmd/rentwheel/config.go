package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: "View or modify the CLI configuration (~/.rentwheel/config.toml, or $" + configEnv + ").\n" +
		"Keys: default.base_url, default.environment, auth.token, auth.user_id, auth.token_expires.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("# %s\n", path)
		for _, name := range configKeyNames() {
			v := *configKeys[name].field(cfg)
			if configKeys[name].secret && !configShowSecrets {
				v = maskToken(v)
			}
			fmt.Printf("%-20s = %s\n", name, v)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a configuration value",
	Example: "  rentwheel config set default.base_url http://localhost:8080",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowSecrets, "secrets", false, "Print the token unmasked")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
