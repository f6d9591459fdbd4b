package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GoCodeAlone/conductor/client"
)

// app is shared state for all commands.
type app struct {
	v       *viper.Viper
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("CONDUCTOR")
	a.v.AutomaticEnv()
	a.v.SetDefault("server", client.DefaultServer)

	cmd := &cobra.Command{
		Use:          "conductor",
		Short:        "Agent task coordinator CLI",
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("server", "", "conductor server URL (or $CONDUCTOR_SERVER)")
	flags.BoolVar(&a.jsonOut, "json", false, "print raw JSON")
	_ = a.v.BindPFlag("server", flags.Lookup("server"))

	cmd.AddCommand(
		newVersionCmd(a),
		newUpdateCmd(),
		newStatusCmd(a),
		newTasksCmd(a),
		newAgentsCmd(a),
		newWorkflowCmd(a),
		newJobsCmd(a),
		newEventsCmd(a),
	)
	return cmd
}

func (a *app) client() *client.Client {
	return client.New(a.v.GetString("server"))
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// emit prints v as indented JSON when --json is set and reports whether it
// did.
func (a *app) emit(w io.Writer, v any) (bool, error) {
	if !a.jsonOut {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
	bold      = color.New(color.Bold)
)

// statusColor picks a color for a task, agent, job or workflow status.
func statusColor(status string) *color.Color {
	switch status {
	case "completed", "active", "idle", "satisfied", "passed":
		return okColor
	case "failed", "cancelled", "blocked", "offline", "error":
		return errColor
	case "in_progress", "assigned", "busy", "running", "retrying", "waiting":
		return warnColor
	}
	return dimColor
}

func printStatus(w io.Writer, symbol, msg string, c *color.Color) {
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func header(w io.Writer, format string, cols ...any) {
	line := fmt.Sprintf(format, cols...)
	bold.Fprintln(w, line) //nolint:errcheck
	fmt.Fprintln(w, strings.Repeat("-", len(line)))
}
