package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrpc/internal/config"
	"github.com/nhle/mailrpc/internal/emailrpc"
)

var (
	sendAccount string
	sendBody    string
	sendTimeout time.Duration
	sendVerbose bool
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [argument...]",
	Short: "Send a filterctl command and print its reply",
	Long: `Send a filterctl command by email, wait for the reply to arrive in
the account's inbox, and print it as JSON.

Commands such as dump and mkbook are also confirmed over the HTTPS side
channel; a disagreement is logged but the email reply is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAccount, "account", "",
		"Account id (default: selectedAccount setting, else first account)")
	sendCmd.Flags().StringVar(&sendBody, "body", "",
		"JSON request body")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0,
		"Reply timeout (default: emailResponseTimeout setting, else config)")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false,
		"Print the controller's ledgers after the reply")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := parseBody(sendBody)
	if err != nil {
		return err
	}

	e, err := openEnv(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	accountID, err := e.resolveAccount(ctx, sendAccount)
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- e.watcher.Run(watchCtx)
	}()

	var opts []emailrpc.RequestOption
	if cmd.Flags().Changed("timeout") {
		opts = append(opts, emailrpc.WithTimeout(sendTimeout))
	}

	resp, sendErr := e.ctrl.SendCommand(ctx, accountID, args[0],
		strings.Join(args[1:], " "), body, opts...)

	if sendErr == nil {
		e.recordReply(ctx, args[0], resp)
	}

	stopWatch()
	<-watchDone
	e.drain(ctx)

	if sendVerbose {
		if err := printJSON(cmd, e.ctrl.Snapshot()); err != nil {
			return err
		}
	}
	if sendErr != nil {
		return sendErr
	}

	return printJSON(cmd, resp)
}

// recordReply folds replies that carry session state into the settings
// store. A rescan reply updates the active rescans.
func (e *env) recordReply(ctx context.Context, verb string,
	resp emailrpc.Response) {

	if !strings.EqualFold(verb, "rescan") {
		return
	}

	err := e.settings.UpdateActiveRescans(ctx, resp, false)
	if err != nil {
		e.log.WarnS(ctx, "Recording rescan status", err)
	}
}

// resolveAccount picks the flag value, then the selectedAccount setting,
// then the first configured account.
func (e *env) resolveAccount(ctx context.Context, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}

	selected, err := e.settings.GetString(ctx, config.Local,
		config.KeySelectedAccount)
	if err == nil && selected != "" {
		return selected, nil
	}

	accounts := e.accounts.Enabled(ctx)
	if len(accounts) == 0 {
		return "", fmt.Errorf("no enabled accounts in %s", e.cfg.DBPath)
	}
	return accounts[0].ID, nil
}

func parseBody(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var body any
	if err := json.Unmarshal([]byte(s), &body); err != nil {
		return nil, fmt.Errorf("parsing --body: %w", err)
	}
	return body, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
