package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newJobsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel jobs on a running instance",
	}

	var opts listOptions
	var states string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if states != "" {
				opts.States = strings.Split(states, ",")
			}
			page, err := newAPIClient(g.server, g.token).ListJobs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderJobPage(page))
			return nil
		},
	}
	list.Flags().StringVar(&states, "state", "", "comma-separated states or labels to include")
	list.Flags().StringVar(&opts.Repo, "repo", "", "only jobs for owner/name")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")

	var withLogs bool
	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(g.server, g.token)
			snap, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderJob(snap))
			if !withLogs {
				return nil
			}
			lines, err := client.JobLogs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderLogs(lines))
			return nil
		},
	}
	get.Flags().BoolVar(&withLogs, "logs", false, "include the job log")

	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient(g.server, g.token).CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], res)
			return nil
		},
	}

	cmd.AddCommand(list, get, cancel)
	return cmd
}
