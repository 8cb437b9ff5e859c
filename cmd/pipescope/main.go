package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "pipescope",
		Short:         "Browse Azure DevOps pipeline runs, approvals and task logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.org, "org", "", "Organization URL (overrides AZDO_ORG_URL)")
	cmd.PersistentFlags().StringVar(&flags.project, "project", "", "Project (overrides AZDO_PROJECT)")

	cmd.AddCommand(
		newRunsCommand(flags),
		newTreeCommand(flags),
		newWatchCommand(flags),
		newApprovalsCommand(flags),
		newDecideCommand(flags, "approve"),
		newDecideCommand(flags, "reject"),
		newDefinitionsCommand(flags),
		newLogsCommand(flags),
		newProjectsCommand(flags),
		newProjectCommand(flags),
		newFoldersCommand(flags),
		newAuthCommand(),
		newServeCommand(flags),
	)
	return cmd
}

// withApp wires the application for the duration of fn.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
