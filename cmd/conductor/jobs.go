package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/jobs"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drive background jobs",
	}
	cmd.AddCommand(newJobsListCmd(a), newJobsProcessCmd(a))
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client().ListJobs(ctxOf(cmd), jobs.Status(status))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, list); done {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "no jobs")
				return nil
			}
			header(out, "%-36s  %-20s  %-9s  %-8s  %s", "ID", "TYPE", "STATUS", "ATTEMPTS", "ERROR")
			for _, j := range list {
				fmt.Fprintf(out, "%-36s  %-20s  %s  %-8s  %s\n",
					j.ID, j.Type,
					statusColor(string(j.Status)).Sprintf("%-9s", j.Status),
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					truncate(j.Error, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newJobsProcessCmd(a *app) *cobra.Command {
	var maxJobs int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one batch of due jobs now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client().ProcessJobs(ctxOf(cmd), maxJobs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, st); done {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("processed %d: %d succeeded, %d retrying, %d failed",
				st.Processed, st.Succeeded, st.Retried, st.Failed), okColor)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxJobs, "max", 10, "maximum jobs in the batch")
	return cmd
}
