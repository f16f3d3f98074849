package commands

import (
	"github.com/spf13/cobra"
)

var (
	// configPath is the path to the YAML configuration file.
	configPath string

	// dbPath overrides the database path from the configuration.
	dbPath string

	// logLevel overrides the configured log level.
	logLevel string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "mailrpc",
	Short: "Request/response calls to the filterctl service over email",
	Long: `mailrpc sends filterctl commands by email and matches the replies
that arrive in the account's inbox to the requests that caused them.

Accounts, timing and logging are configured in
~/.config/mailrpc/config.yaml; account passwords live in the system keyring.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to config file (default: ~/.config/mailrpc/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (default: from config)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"Log level: trace, debug, info, warn, error, off",
	)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(passwordCmd)
}
