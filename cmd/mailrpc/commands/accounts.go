package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tIMAP\tSMTP\tENABLED")
	for _, a := range cfg.Accounts {
		addr := ""
		if id, err := a.PrimaryIdentity(); err == nil {
			addr = id.Email
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s:%d\t%t\n", a.ID, a.Name,
			addr, a.IMAP.Host, a.IMAP.Port, a.SMTP.Host, a.SMTP.Port,
			a.Enabled)
	}

	return w.Flush()
}
