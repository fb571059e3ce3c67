package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/domain"
	"sopline/internal/engine"
)

func execCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "exec", Short: "Run and track executions"}
	cmd.AddCommand(execStartCmd())
	cmd.AddCommand(execShowCmd())
	cmd.AddCommand(execListCmd())
	cmd.AddCommand(execCompleteCmd())
	cmd.AddCommand(execTransitionCmd("skip", "Skip the current optional step", func(e engine.Engine) transitionFn { return e.SkipStep }))
	cmd.AddCommand(execTransitionCmd("pause", "Pause a running execution", func(e engine.Engine) transitionFn { return e.PauseExecution }))
	cmd.AddCommand(execTransitionCmd("resume", "Resume a paused execution", func(e engine.Engine) transitionFn { return e.ResumeExecution }))
	cmd.AddCommand(execTransitionCmd("fail", "Fail an execution (--reason required)", func(e engine.Engine) transitionFn { return e.FailExecution }))
	cmd.AddCommand(execTransitionCmd("retry", "Retry a failed execution", func(e engine.Engine) transitionFn { return e.RetryExecution }))
	cmd.AddCommand(execTransitionCmd("cancel", "Cancel an execution", func(e engine.Engine) transitionFn { return e.CancelExecution }))
	return cmd
}

type transitionFn func(context.Context, engine.TransitionOptions) (domain.Execution, error)

func execStartCmd() *cobra.Command {
	var metadata string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start an execution of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.StartOptions{ProjectID: args[0], ActorID: actorID()}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &opts.Metadata); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.StartExecution(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	return cmd
}

func execShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
}

func execListCmd() *cobra.Command {
	var q engine.ExecutionQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListExecutions(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable(table.Row{"ID", "Project", "Status", "Step", "Progress", "Retries", "Escalation", "Started"})
				for _, ex := range page.Items {
					step := fmt.Sprintf("%s/%d", intOrDash(ex.CurrentStepPosition), ex.TotalSteps)
					tw.AppendRow(table.Row{ex.ID, ex.ProjectID, ex.Status, step, fmt.Sprintf("%d%%", ex.Progress), ex.RetryCount, ex.EscalationLevel, timeOrEmpty(ex.StartedAt)})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Println("next cursor:", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.ProjectID, "project-id", "", "project filter")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.ActorID, "actor", "", "actor filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&q.Cursor, "cursor", "", "cursor from the previous page")
	return cmd
}

func execCompleteCmd() *cobra.Command {
	var output string
	var version int64
	var position int
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Complete the current step, with optional --output JSON",
		Long: `Complete the current step.
Without --expected-version or --expected-position the call is pinned to the
step the execution is at when the command starts, so two operators
completing the same step cannot both advance the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonFlag("output", output)
			if err != nil {
				return err
			}
			opts := engine.CompleteStepOptions{ExecutionID: args[0], ActorID: actorID(), Output: raw, ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ExpectedPosition, err = pinPosition(ctx, e, args[0], version, position); err != nil {
					return err
				}
				ex, err := e.CompleteStep(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "step output JSON")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the execution is at this version")
	cmd.Flags().IntVar(&position, "expected-position", 0, "fail unless the execution is at this step position")
	return cmd
}

// pinPosition returns the position a step-resolving call is tied to: the
// flag when given, the execution's current step when no guard was given.
func pinPosition(ctx context.Context, e engine.Engine, id string, version int64, position int) (*int, error) {
	if position > 0 {
		return &position, nil
	}
	if version > 0 {
		return nil, nil
	}
	ex, err := e.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return ex.CurrentStepPosition, nil
}

func execTransitionCmd(verb, short string, pick func(engine.Engine) transitionFn) *cobra.Command {
	var reason string
	var version int64
	var position int
	var override bool
	cmd := &cobra.Command{
		Use:   verb + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				ExecutionID:     args[0],
				ActorID:         actorID(),
				ExpectedVersion: expected(version),
				Reason:          reason,
				Override:        override,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if verb == "skip" {
					pinned, err := pinPosition(ctx, e, args[0], version, position)
					if err != nil {
						return err
					}
					opts.ExpectedPosition = pinned
				}
				ex, err := pick(e)(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the execution is at this version")
	if verb == "skip" {
		cmd.Flags().IntVar(&position, "expected-position", 0, "fail unless the execution is at this step position")
	}
	if verb == "retry" {
		cmd.Flags().BoolVar(&override, "override", false, "operator override for an escalated execution")
	}
	return cmd
}
