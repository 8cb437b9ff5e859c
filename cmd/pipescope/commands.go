package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pipescope/internal/approvals"
	"pipescope/internal/config"
	"pipescope/internal/credentials"
	"pipescope/internal/filters"
	"pipescope/internal/logs"
	"pipescope/pkg/azdo"
)

func newApprovalsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals <run-id>",
		Short: "List the pending approvals of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				project, err := a.project(ctx)
				if err != nil {
					return err
				}
				gw, err := a.gateway(approvals.AlwaysConfirm)
				if err != nil {
					return err
				}
				pending, err := gw.ListPending(ctx, project, runID)
				if err != nil {
					return err
				}
				return a.renderer.Write(cmd.OutOrStdout(), "approvals", pending)
			})
		},
	}
}

func newDecideCommand(flags *globalFlags, verb string) *cobra.Command {
	var (
		comment string
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				project, err := a.project(ctx)
				if err != nil {
					return err
				}
				var confirmer approvals.Confirmer = approvals.AlwaysConfirm
				if !yes {
					confirmer = newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
				}
				gw, err := a.gateway(confirmer)
				if err != nil {
					return err
				}
				decide := gw.Approve
				if verb == "reject" {
					decide = gw.Reject
				}
				updated, err := decide(ctx, args[0], project, comment)
				if errors.Is(err, approvals.ErrDeclined) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled.")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", updated.ID, updated.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "Comment stored with the decision")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

// promptConfirmer asks on out and reads a y/N answer from in.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

func (p *promptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func newDefinitionsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List pipeline definitions grouped by folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				project, err := a.project(ctx)
				if err != nil {
					return err
				}
				state, err := a.filters.Load(ctx)
				if err != nil {
					return err
				}
				folders, err := a.definitions.Folders(ctx, project, state.AllowedFolders)
				if err != nil {
					return err
				}
				return a.renderer.Write(cmd.OutOrStdout(), "folders", folders)
			})
		},
	}
}

func newLogsCommand(flags *globalFlags) *cobra.Command {
	var archive string
	cmd := &cobra.Command{
		Use:   "logs <run-id> <task-record-id>",
		Short: "Print the cleaned log of a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				a.builder.Runs(ctx)
				if _, ok := a.builder.Run(runID); !ok {
					return fmt.Errorf("run %d is not among the listed runs", runID)
				}
				a.builder.Children(ctx, runID, "")
				node, ok := a.builder.Record(runID, args[1])
				if !ok {
					return fmt.Errorf("record %s not found in run %d", args[1], runID)
				}
				if node.LogURL == "" {
					return fmt.Errorf("%s has no log", node.Label)
				}

				lines, err := a.logs.Lines(ctx, node.LogURL)
				if err != nil {
					return err
				}
				if archive != "" {
					return archiveLog(ctx, cmd.OutOrStdout(), a, archive, lines)
				}
				return a.renderer.Write(cmd.OutOrStdout(), "log", lines)
			})
		},
	}
	cmd.Flags().StringVar(&archive, "archive", "", "Upload the cleaned log to s3://bucket/key instead of printing it")
	return cmd
}

func archiveLog(ctx context.Context, out io.Writer, a *app, target string, lines []string) error {
	bucket, key, err := logs.ParseTarget(target)
	if err != nil {
		return err
	}
	archiver, err := a.archiver(ctx)
	if err != nil {
		return err
	}
	res, err := archiver.Archive(ctx, bucket, key, lines)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "archived %d lines to s3://%s/%s (sha256 %s, %d bytes)\n", res.Lines, res.Bucket, res.Key, res.SHA256, res.Size)
	if res.URL != "" {
		fmt.Fprintln(out, res.URL)
	}
	return nil
}

func newProjectsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects of the organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				projects, state, err := listProjects(ctx, a)
				if err != nil {
					return err
				}
				return a.renderer.Write(cmd.OutOrStdout(), "projects", struct {
					Projects []azdo.Project
					Selected string
				}{Projects: projects, Selected: state.SelectedProject})
			})
		},
	}
}

func newProjectCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project selection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "select <project-id-or-name>",
		Short: "Select the project whose runs are shown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				projects, state, err := listProjects(ctx, a)
				if err != nil {
					return err
				}
				idx := slices.IndexFunc(projects, func(p azdo.Project) bool {
					return p.ID == args[0] || strings.EqualFold(p.Name, args[0])
				})
				if idx < 0 {
					return fmt.Errorf("project %q not found", args[0])
				}
				// Runs and definitions are addressed by project name.
				next := state.SelectProject(projects[idx].Name)
				if err := a.filters.Save(ctx, next); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", projects[idx].Name)
				return nil
			})
		},
	})
	return cmd
}

// listProjects returns the organization's projects that pass the allow-list.
func listProjects(ctx context.Context, a *app) ([]azdo.Project, filters.State, error) {
	state, err := a.filters.Load(ctx)
	if err != nil {
		return nil, state, err
	}
	credential, err := a.creds.Credential(ctx)
	if err != nil {
		return nil, state, err
	}
	all, err := a.api.ListProjects(ctx, credential)
	if err != nil {
		return nil, state, err
	}
	out := all[:0]
	for _, p := range all {
		if state.ProjectAllowed(p.ID) || state.ProjectAllowed(p.Name) {
			out = append(out, p)
		}
	}
	return out, state, nil
}

func newFoldersCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Folder filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [folder...]",
		Short: "Show only runs of definitions in these folders; no folders clears the filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				project, err := a.project(ctx)
				if err != nil {
					return err
				}
				known, err := a.definitions.Names(ctx, project)
				if err != nil {
					return err
				}
				folders := make([]string, 0, len(args))
				for _, f := range args {
					f = azdo.NormalizeFolder(f)
					if !slices.Contains(known, f) {
						return fmt.Errorf("folder %q does not exist in %s", f, project)
					}
					folders = append(folders, f)
				}
				state, err := a.filters.Load(ctx)
				if err != nil {
					return err
				}
				if err := a.filters.Save(ctx, state.WithFolders(folders)); err != nil {
					return err
				}
				if len(folders) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Folder filter cleared")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Showing %s\n", strings.Join(folders, ", "))
				}
				return nil
			})
		},
	})
	return cmd
}

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Credential management",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Read a personal access token from stdin and store it encrypted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			path := cfg.CredentialFile
			if path == "" {
				if path, err = credentials.DefaultPath(); err != nil {
					return err
				}
			}
			file, err := credentials.NewAgeFile(path, cfg.AgeSecretKey, cfg.Passphrase)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.ErrOrStderr(), "Personal access token: ")
			token, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			if err := file.Store(ctx, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential in %s\n", path)
			return nil
		},
	})
	return cmd
}
