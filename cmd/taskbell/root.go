package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskbell/internal/app"
	logx "taskbell/pkg/logx"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "taskbell",
		Short:         "Task reminders with a looping alert, desktop and Telegram notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(newRunCmd(opts), newTasksCmd(opts))
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reminder daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = a.Stop(stopCtx, app.StopFatalError)
				stopCancel()
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			return errors.Join(a.Err(), stopErr)
		},
	}
}

// quietLogger keeps one-shot commands free of info chatter.
func quietLogger() logx.Logger {
	return logx.NewConsole("error")
}
