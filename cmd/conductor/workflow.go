package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

func newWorkflowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Decompose work into phased workflows and manage gates",
	}
	cmd.AddCommand(
		newWorkflowDecomposeCmd(a),
		newWorkflowGetCmd(a),
		newWorkflowEvaluateCmd(a),
		newWorkflowSignoffCmd(a),
		newWorkflowAdvanceCmd(a),
		newWorkflowReadinessCmd(a),
		newWorkflowTemplatesCmd(a),
	)
	return cmd
}

func newWorkflowDecomposeCmd(a *app) *cobra.Command {
	var (
		req      coordinator.DecomposeRequest
		priority int
	)
	cmd := &cobra.Command{
		Use:   "decompose <template>",
		Short: "Expand a root task, or a new one, with a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TemplateID = args[0]
			req.Priority = task.Priority(priority)
			if req.RootTaskID == "" && req.Title == "" && req.Description == "" {
				return fmt.Errorf("either --root or --title/--description is required")
			}
			d, err := a.client().Decompose(ctxOf(cmd), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, d); done {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("workflow %s (%d subtasks, %d gates)", d.Instance.ID, len(d.Subtasks), len(d.Gates)), okColor)
			if d.Tailored {
				fmt.Fprintln(out, dimColor.Sprint("  subtasks tailored by the model"))
			}
			byPhase := map[string][]*task.Task{}
			for _, t := range d.Subtasks {
				byPhase[t.Phase] = append(byPhase[t.Phase], t)
			}
			for _, phase := range d.Instance.Phases {
				bold.Fprintf(out, "  %s\n", phase) //nolint:errcheck
				for _, t := range byPhase[phase] {
					fmt.Fprintf(out, "    %s  %s\n", t.ID, t.Title)
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.RootTaskID, "root", "", "existing root task id")
	flags.StringVar(&req.ProjectID, "project", "", "project id for a new root task")
	flags.StringVar(&req.Title, "title", "", "title for a new root task")
	flags.StringVar(&req.Description, "description", "", "description for a new root task")
	flags.StringSliceVar(&req.Requirements, "requirement", nil, "requirements for a new root task")
	flags.IntVar(&priority, "priority", int(task.PriorityNormal), "priority 0-3")
	return cmd
}

func newWorkflowGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := a.client().GetWorkflow(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, inst); done {
				return err
			}
			printInstance(out, inst)
			return nil
		},
	}
}

func printInstance(w io.Writer, inst *workflow.Instance) {
	fmt.Fprintf(w, "id:        %s\n", inst.ID)
	fmt.Fprintf(w, "template:  %s\n", inst.TemplateID)
	fmt.Fprintf(w, "root:      %s\n", inst.RootTaskID)
	fmt.Fprintf(w, "status:    %s\n", statusColor(string(inst.Status)).Sprint(inst.Status))
	fmt.Fprintf(w, "phase:     %s\n", inst.CurrentPhase)
	done := map[string]bool{}
	for _, p := range inst.PhasesCompleted {
		done[p] = true
	}
	for _, p := range inst.Phases {
		mark := dimColor.Sprint("·")
		if done[p] {
			mark = okColor.Sprint("✓")
		} else if p == inst.CurrentPhase {
			mark = warnColor.Sprint("▸")
		}
		fmt.Fprintf(w, "  %s %s\n", mark, p)
	}
}

func newWorkflowEvaluateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gates <id> <phase>",
		Short: "Evaluate a phase's automatic gates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := a.client().EvaluateGates(ctxOf(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, gc); done {
				return err
			}
			for _, g := range gc.Gates {
				req := ""
				if !g.Required {
					req = dimColor.Sprint(" (optional)")
				}
				fmt.Fprintf(out, "%s  %s%s  %s\n", g.ID,
					statusColor(string(g.Status)).Sprintf("%-7s", g.Status), req, g.Name)
			}
			if gc.Passed {
				printStatus(out, "✓", "phase "+gc.Phase+" gates passed", okColor)
			} else {
				printStatus(out, "✗", "unmet: "+strings.Join(gc.Failed, ", "), errColor)
			}
			return nil
		},
	}
}

func newWorkflowSignoffCmd(a *app) *cobra.Command {
	var (
		reject  bool
		details string
	)
	cmd := &cobra.Command{
		Use:   "signoff <gate-id>",
		Short: "Record a manual gate result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.client().RecordGateResult(ctxOf(cmd), args[0], !reject, details)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, g); done {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("gate %s is %s", g.Name, g.Status), statusColor(string(g.Status)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "mark the gate failed")
	cmd.Flags().StringVar(&details, "details", "", "result details")
	return cmd
}

func newWorkflowAdvanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Close the current phase once its tasks and gates allow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := a.client().AdvancePhase(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, inst); done {
				return err
			}
			printInstance(out, inst)
			return nil
		},
	}
}

func newWorkflowReadinessCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <id>",
		Short: "Check whether a workflow is ready to deploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := a.client().Readiness(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, rd); done {
				return err
			}
			if rd.Ready {
				printStatus(out, "✓", "ready for deployment", okColor)
			} else {
				printStatus(out, "✗", fmt.Sprintf("%d blocker(s)", len(rd.Blockers)), errColor)
			}
			for _, b := range rd.Blockers {
				fmt.Fprintf(out, "  %s %-10s %s\n", errColor.Sprint("✗"), b.Kind, b.Message)
			}
			for _, b := range rd.Warnings {
				fmt.Fprintf(out, "  %s %-10s %s\n", warnColor.Sprint("⚠"), b.Kind, b.Message)
			}
			return nil
		},
	}
}

func newWorkflowTemplatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List workflow templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tpls, err := a.client().Templates(ctxOf(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, tpls); done {
				return err
			}
			for _, t := range tpls {
				phases := make([]string, 0, len(t.Phases))
				for _, p := range t.Phases {
					phases = append(phases, p.Name)
				}
				fmt.Fprintf(out, "%-14s %s\n", bold.Sprint(t.ID), t.Name)
				fmt.Fprintf(out, "%-14s %s\n", "", dimColor.Sprint(strings.Join(phases, " → ")))
			}
			return nil
		},
	}
}
