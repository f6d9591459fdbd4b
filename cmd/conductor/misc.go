package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/update"
)

func newVersionCmd(a *app) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conductor %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
			if !remote {
				return nil
			}
			v, err := a.client().Version(ctxOf(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server    %s\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "server-version", false, "also print the server version")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update conductor to the latest release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			u := update.New(version.Version, "conductor")
			rel, err := u.CheckForUpdate(ctxOf(cmd))
			if err != nil {
				return err
			}
			if rel == nil {
				printStatus(out, "✓", "already up to date", okColor)
				return nil
			}
			if checkOnly {
				printStatus(out, "⚠", "update available: "+rel.Version, warnColor)
				return nil
			}
			if err := u.ApplyUpdate(ctxOf(cmd), rel, ""); err != nil {
				return err
			}
			printStatus(out, "✓", "updated to "+rel.Version, okColor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update is available")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status and counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client().Status(ctxOf(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, st); done {
				return err
			}
			fmt.Fprintf(out, "status:    %s\n", okColor.Sprint(st.Status))
			fmt.Fprintf(out, "version:   %s\n", st.Version)
			fmt.Fprintf(out, "uptime:    %ds\n", st.UptimeSeconds)
			fmt.Fprintf(out, "templates: %d\n", st.Counts.Templates)
			if st.Counts.Counts == nil {
				return nil
			}
			for _, group := range []struct {
				name   string
				counts map[string]int
			}{
				{"tasks", st.Counts.Tasks},
				{"agents", st.Counts.Agents},
				{"jobs", st.Counts.Jobs},
				{"workflows", st.Counts.Workflows},
			} {
				fmt.Fprintf(out, "%s:", group.name)
				for status, n := range group.counts {
					fmt.Fprintf(out, " %s=%d", statusColor(status).Sprint(status), n)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var f events.Filter
	var typ string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Type = events.Type(typ)
			evs, err := a.client().Events(ctxOf(cmd), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, evs); done {
				return err
			}
			if len(evs) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			for _, ev := range evs {
				fmt.Fprintf(out, "%s %-22s task=%s agent=%s %s\n",
					dimColor.Sprint(ev.Timestamp.Format("15:04:05")),
					ev.Type, ev.TaskID, ev.AgentID, ev.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "event type, e.g. task.completed")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum events")
	return cmd
}
