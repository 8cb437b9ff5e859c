package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pipescope/internal/notify"
	"pipescope/internal/refresh"
	"pipescope/internal/timeline"
)

// maxTreeDepth reaches task level: run, stage, phase, job, task.
const maxTreeDepth = 4

type childSource interface {
	Children(ctx context.Context, runID int, recordID string) []timeline.Node
}

type treeItem struct {
	Depth int
	Node  timeline.Node
}

// expand walks nodes depth first down to maxDepth.
func expand(ctx context.Context, src childSource, nodes []timeline.Node, depth, maxDepth int) []treeItem {
	var out []treeItem
	for _, n := range nodes {
		out = append(out, treeItem{Depth: depth, Node: n})
		if !n.Expandable || depth >= maxDepth || ctx.Err() != nil {
			continue
		}
		recordID := n.ID
		if n.Kind == timeline.KindRun {
			recordID = ""
		}
		out = append(out, expand(ctx, src, src.Children(ctx, n.RunID, recordID), depth+1, maxDepth)...)
	}
	return out
}

func newRunsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List the latest runs of the selected project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.renderer.Write(cmd.OutOrStdout(), "runs", a.builder.Runs(ctx))
			})
		},
	}
}

func newTreeCommand(flags *globalFlags) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "tree [run-id]",
		Short: "Show runs expanded into stages, phases, jobs and tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			only := 0
			if len(args) == 1 {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid run id %q", args[0])
				}
				only = id
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				runs := a.builder.Runs(ctx)
				if only > 0 {
					node, ok := a.builder.Run(only)
					if !ok {
						return fmt.Errorf("run %d is not among the listed runs", only)
					}
					runs = []timeline.Node{node}
				}
				return a.renderer.Write(cmd.OutOrStdout(), "tree", expand(ctx, a.builder, runs, 0, depth))
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", maxTreeDepth, "How many levels below the run to expand")
	return cmd
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var exitWhenIdle bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render the run list while runs are active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				events, cancel := a.broker.Subscribe()
				defer cancel()
				return watch(ctx, cmd.OutOrStdout(), a, events, exitWhenIdle)
			})
		},
	}
	cmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "Exit once no run is running or queued")
	return cmd
}

// watch re-renders the run list on whole-tree notifications.
func watch(ctx context.Context, out io.Writer, a *app, events <-chan notify.Event, exitWhenIdle bool) error {
	show := func() error {
		nodes := a.builder.Runs(ctx)
		fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.TimeOnly))
		return a.renderer.Write(out, "runs", nodes)
	}
	if err := show(); err != nil {
		return err
	}
	for {
		if exitWhenIdle && a.scheduler.State() == refresh.Stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Key != "" {
				continue
			}
			if err := show(); err != nil {
				return err
			}
		}
	}
}
