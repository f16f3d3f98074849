package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch inboxes and reconcile replies until interrupted",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	e.log.InfoS(ctx, "mailrpc running", "accounts", len(e.cfg.Accounts),
		"db", e.cfg.DBPath)

	err = e.watcher.Run(ctx)

	// A second interrupt while draining kills the process.
	stop()
	e.log.InfoS(context.WithoutCancel(ctx), "Shutting down",
		"active", e.ctrl.Active())
	e.drain(ctx)

	return err
}
