package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/config"
	"sopline/internal/domain"
	"sopline/internal/engine"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the workspace config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate sopline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage SOP projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd("activate", "Move a draft project to active"))
	prj.AddCommand(projectStatusCmd("archive", "Archive an active project"))
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectCheckCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var priority string
	var estimate int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("estimated-duration") {
				opts.EstimatedDuration = &estimate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&opts.OrgScope, "org-scope", "", "organization scope")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().Int64Var(&estimate, "estimated-duration", 0, "estimate in seconds")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status, category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, status, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Priority", "Category", "Version"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.Priority, p.Category, p.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectStatusCmd(verb, short string) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   verb + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := engine.ProjectRef{ProjectID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				change := e.ActivateProject
				if verb == "archive" {
					change = e.ArchiveProject
				}
				p, err := change(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	var version int64
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project with its steps and executions (audit history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			ref := engine.ProjectRef{ProjectID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteProject(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func projectCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <project-id>",
		Short: "Check the step sequence of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				err := e.CheckSequence(ctx, args[0])
				var sie *engine.SequenceIntegrityError
				if errors.As(err, &sie) {
					for _, p := range sie.Problems {
						fmt.Fprintln(os.Stderr, "problem:", p)
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Println("sequence ok")
				return nil
			})
		},
	}
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Author the steps of a project"}
	cmd.AddCommand(stepAddCmd())
	cmd.AddCommand(stepListCmd())
	cmd.AddCommand(stepShowCmd())
	cmd.AddCommand(stepRemoveCmd())
	cmd.AddCommand(stepMoveCmd())
	cmd.AddCommand(stepParentCmd())
	return cmd
}

func stepAddCmd() *cobra.Command {
	var opts engine.StepAddOptions
	var version, estimate int64
	var rules, inputSchema, outputSchema, inputData string
	cmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Append a step, or insert it at --position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectRef = engine.ProjectRef{ProjectID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			if cmd.Flags().Changed("estimated-duration") {
				opts.EstimatedDuration = &estimate
			}
			var err error
			if opts.ValidationRules, err = jsonFlag("validation-rules", rules); err != nil {
				return err
			}
			if opts.InputSchema, err = jsonFlag("input-schema", inputSchema); err != nil {
				return err
			}
			if opts.OutputSchema, err = jsonFlag("output-schema", outputSchema); err != nil {
				return err
			}
			if opts.InputData, err = jsonFlag("input-data", inputData); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.AddStep(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "step id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "insert position (0 appends)")
	cmd.Flags().BoolVar(&opts.Optional, "optional", false, "step may be skipped")
	cmd.Flags().Int64Var(&estimate, "estimated-duration", 0, "estimate in seconds")
	cmd.Flags().StringVar(&opts.ParentStepID, "parent", "", "parent step id")
	cmd.Flags().StringVar(&rules, "validation-rules", "", "validation rules JSON")
	cmd.Flags().StringVar(&inputSchema, "input-schema", "", "input JSON Schema")
	cmd.Flags().StringVar(&outputSchema, "output-schema", "", "output JSON Schema checked on completion")
	cmd.Flags().StringVar(&inputData, "input-data", "", "input data JSON")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func stepListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List steps by position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := newTable(table.Row{"#", "ID", "Title", "Required", "Parent"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Position, s.ID, s.Title, s.IsRequired, stringOrEmpty(s.ParentStepID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stepShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <step-id>",
		Short: "Show a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetStep(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func stepRemoveCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "remove <step-id>",
		Short: "Remove a step and close the gap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := engine.StepRef{StepID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RemoveStep(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	return cmd
}

func stepMoveCmd() *cobra.Command {
	var version int64
	var position int
	cmd := &cobra.Command{
		Use:   "move <step-id>",
		Short: "Move a step to --position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := engine.StepRef{StepID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.MoveStep(ctx, ref, position)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&position, "position", 0, "target position")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func stepParentCmd() *cobra.Command {
	var version int64
	var parent string
	cmd := &cobra.Command{
		Use:   "parent <step-id>",
		Short: "Set a step's parent; omit --parent to make it top-level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := engine.StepRef{StepID: args[0], ActorID: actorID(), ExpectedVersion: expected(version)}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.SetStepParent(ctx, ref, parent)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent step id")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the project is at this version")
	return cmd
}
