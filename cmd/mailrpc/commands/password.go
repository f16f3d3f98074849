package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrpc/internal/credential"
	"github.com/nhle/mailrpc/internal/model"
)

var passwordValue string

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage account passwords in the keyring",
}

var passwordSetCmd = &cobra.Command{
	Use:   "set <account>",
	Short: "Store an account's mail password (read from stdin unless --password)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordSet,
}

var passwordRmCmd = &cobra.Command{
	Use:   "rm <account>",
	Short: "Forget an account's mail password and cached API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordRm,
}

func init() {
	passwordSetCmd.Flags().StringVar(&passwordValue, "password", "",
		"Password value (avoid: visible in shell history)")
	passwordCmd.AddCommand(passwordSetCmd)
	passwordCmd.AddCommand(passwordRmCmd)
}

// openCredentials loads the config and verifies the account exists.
func openCredentials(accountID string) (*credential.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	found := false
	for _, a := range cfg.Accounts {
		found = found || a.ID == accountID
	}
	if !found {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}

	return openKeyring(model.ConfigDir())
}

func runPasswordSet(cmd *cobra.Command, args []string) error {
	creds, err := openCredentials(args[0])
	if err != nil {
		return err
	}

	pw := passwordValue
	if !cmd.Flags().Changed("password") {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return errors.New("empty password")
	}

	if err := creds.Set(credential.PasswordKey(args[0]), pw); err != nil {
		return err
	}

	// A new password invalidates any API key derived from the old one.
	return creds.Delete(credential.APIKeyKey(args[0]))
}

func runPasswordRm(cmd *cobra.Command, args []string) error {
	creds, err := openCredentials(args[0])
	if err != nil {
		return err
	}

	return errors.Join(
		creds.Delete(credential.PasswordKey(args[0])),
		creds.Delete(credential.APIKeyKey(args[0])),
	)
}
