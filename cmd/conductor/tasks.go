package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/task"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Create, inspect and manage tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(a),
		newTasksCreateCmd(a),
		newTasksGetCmd(a),
		newTasksCancelCmd(a),
		newTasksAssignCmd(a),
		newTasksLogsCmd(a),
		newTasksApproveCmd(a),
	)
	return cmd
}

func newTasksListCmd(a *app) *cobra.Command {
	var (
		f      task.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				s := task.Status(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				f.Status = &s
			}
			tasks, err := a.client().ListTasks(ctxOf(cmd), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, tasks); done {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			header(out, "%-36s  %-11s  %-9s  %-3s  %s", "ID", "STATUS", "TYPE", "PRI", "TITLE")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-36s  %s  %-9s  %-3d  %s\n",
					t.ID,
					statusColor(string(t.Status)).Sprintf("%-11s", t.Status),
					t.Type, t.Priority, truncate(t.Title, 60))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&status, "status", "", "filter by status")
	flags.StringVar(&f.ProjectID, "project", "", "filter by project id")
	flags.StringVar(&f.ParentID, "parent", "", "filter by parent task id")
	flags.StringVar(&f.AssignedAgentID, "agent", "", "filter by assigned agent id")
	flags.StringVar(&f.WorkflowInstanceID, "workflow", "", "filter by workflow instance id")
	flags.IntVar(&f.Limit, "limit", 0, "maximum tasks")
	return cmd
}

func newTasksCreateCmd(a *app) *cobra.Command {
	var (
		t        task.Task
		typ      string
		priority int
		input    string
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Title = args[0]
			t.Type = task.Type(typ)
			t.Priority = task.Priority(priority)
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input must be valid JSON")
				}
				t.Input = json.RawMessage(input)
			}
			created, err := a.client().CreateTask(ctxOf(cmd), &t)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, created); done {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("created task %s", created.ID), okColor)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&t.Description, "description", "", "task description")
	flags.StringVar(&t.ProjectID, "project", "", "project id")
	flags.StringVar(&t.ParentID, "parent", "", "parent task id")
	flags.StringVar(&typ, "type", string(task.TypeFeature), "task type")
	flags.IntVar(&priority, "priority", int(task.PriorityNormal), "priority 0-3")
	flags.StringSliceVar(&t.DependsOn, "depends-on", nil, "task ids this task depends on")
	flags.StringSliceVar(&t.RequiredCapabilities, "caps", nil, "required capabilities")
	flags.StringSliceVar(&t.AcceptanceCriteria, "criteria", nil, "acceptance criteria")
	flags.StringVar(&input, "input", "", "JSON input document")
	return cmd
}

func newTasksGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task and its dependency state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			t, err := c.GetTask(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, t); done {
				return err
			}
			printTask(out, t)
			if len(t.DependsOn) > 0 {
				rep, err := c.Dependencies(ctxOf(cmd), t.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deps:        %s", statusColor(string(rep.State)).Sprint(rep.State))
				if len(rep.Waiting) > 0 {
					fmt.Fprintf(out, " waiting=%s", strings.Join(rep.Waiting, ","))
				}
				if len(rep.Blocked) > 0 {
					fmt.Fprintf(out, " blocked=%s", strings.Join(rep.Blocked, ","))
				}
				if len(rep.Missing) > 0 {
					fmt.Fprintf(out, " missing=%s", strings.Join(rep.Missing, ","))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "id:          %s\n", t.ID)
	fmt.Fprintf(w, "title:       %s\n", bold.Sprint(t.Title))
	fmt.Fprintf(w, "status:      %s\n", statusColor(string(t.Status)).Sprint(t.Status))
	fmt.Fprintf(w, "type:        %s\n", t.Type)
	fmt.Fprintf(w, "priority:    %d\n", t.Priority)
	if t.ProjectID != "" {
		fmt.Fprintf(w, "project:     %s\n", t.ProjectID)
	}
	if t.AssignedAgentID != "" {
		fmt.Fprintf(w, "agent:       %s\n", t.AssignedAgentID)
	}
	if t.WorkflowInstanceID != "" {
		fmt.Fprintf(w, "workflow:    %s (phase %s)\n", t.WorkflowInstanceID, t.Phase)
	}
	if len(t.RequiredCapabilities) > 0 {
		fmt.Fprintf(w, "caps:        %s\n", strings.Join(t.RequiredCapabilities, ", "))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", errColor.Sprint(t.Error))
	}
	if len(t.Output) > 0 {
		fmt.Fprintf(w, "output:      %s\n", truncate(string(t.Output), 200))
	}
}

func newTasksCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and its open subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := a.client().CancelTask(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, ids); done {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("cancelled %d task(s)", len(ids)), okColor)
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}
}

func newTasksAssignCmd(a *app) *cobra.Command {
	var req coordinator.AssignRequest
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Pick the best agent for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TaskID = args[0]
			res, err := a.client().AssignTask(ctxOf(cmd), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, res); done {
				return err
			}
			rec := res.Record
			printStatus(out, "✓", fmt.Sprintf("agent %s (%s, confidence %.2f)", rec.AgentID, rec.Source, rec.Confidence), okColor)
			if rec.Reasoning != "" {
				fmt.Fprintf(out, "  %s\n", dimColor.Sprint(rec.Reasoning))
			}
			if len(rec.BackupAgentIDs) > 0 {
				fmt.Fprintf(out, "  backups: %s\n", strings.Join(rec.BackupAgentIDs, ", "))
			}
			if res.Claimed {
				fmt.Fprintln(out, "  claimed for the selected agent")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&req.RequiredCapabilities, "caps", nil, "override required capabilities")
	flags.StringSliceVar(&req.PreferredAgentTypes, "prefer", nil, "preferred agent types")
	return cmd
}

func newTasksLogsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a task's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := a.client().ListLogs(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, logs); done {
				return err
			}
			for _, l := range logs {
				level := string(l.Level)
				c := dimColor
				switch l.Level {
				case task.LogWarn:
					c = warnColor
				case task.LogError:
					c = errColor
				}
				fmt.Fprintf(out, "%s %s %s\n",
					dimColor.Sprint(l.CreatedAt.Format("15:04:05")),
					c.Sprintf("%-5s", level), l.Message)
			}
			return nil
		},
	}
}

func newTasksApproveCmd(a *app) *cobra.Command {
	var (
		req    coordinator.ApprovalRequest
		reject bool
	)
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record an agent's verdict on a redundancy-flagged task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.AgentID == "" {
				return fmt.Errorf("--agent is required")
			}
			req.TaskID = args[0]
			req.Approved = !reject
			st, err := a.client().RecordApproval(ctxOf(cmd), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, st); done {
				return err
			}
			if st.Satisfied {
				printStatus(out, "✓", "redundancy satisfied", okColor)
				return nil
			}
			printStatus(out, "⚠", "awaiting approval from: "+strings.Join(st.Missing, ", "), warnColor)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "reviewing agent id")
	cmd.Flags().StringVar(&req.Comment, "comment", "", "review comment")
	cmd.Flags().BoolVar(&reject, "reject", false, "record a rejection")
	return cmd
}
