package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sopline/internal/domain"
	"sopline/internal/engine"
)

// templateFile is the YAML layout accepted by 'sop template create --file'.
type templateFile struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Steps       []struct {
		Title             string         `yaml:"title"`
		Description       string         `yaml:"description"`
		Optional          bool           `yaml:"optional"`
		EstimatedDuration *int64         `yaml:"estimated_duration"`
		OutputSchema      map[string]any `yaml:"output_schema"`
	} `yaml:"steps"`
}

func (f templateFile) options() (engine.TemplateCreateOptions, error) {
	opts := engine.TemplateCreateOptions{ID: f.ID, Name: f.Name, Description: f.Description, Category: f.Category}
	for _, s := range f.Steps {
		ts := domain.TemplateStep{
			Title:             s.Title,
			Description:       s.Description,
			IsRequired:        !s.Optional,
			EstimatedDuration: s.EstimatedDuration,
		}
		if s.OutputSchema != nil {
			raw, err := json.Marshal(s.OutputSchema)
			if err != nil {
				return opts, fmt.Errorf("step %q output_schema: %w", s.Title, err)
			}
			ts.OutputSchema = raw
		}
		opts.Steps = append(opts.Steps, ts)
	}
	return opts, nil
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage reusable SOP templates"}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateInstantiateCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var file, name, description, category string
	var steps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template from --file or repeated --step flags",
		Long: `Create a template.
With --file, the YAML holds name, description, category and a steps list
(title, description, optional, estimated_duration, output_schema).
Without it, each --step is a title; prefix it with '?' to mark it optional.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.TemplateCreateOptions
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var tf templateFile
				if err := yaml.Unmarshal(data, &tf); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				if opts, err = tf.options(); err != nil {
					return err
				}
			} else {
				opts = engine.TemplateCreateOptions{Name: name, Description: description, Category: category}
				for _, s := range steps {
					title, optional := strings.CutPrefix(s, "?")
					opts.Steps = append(opts.Steps, domain.TemplateStep{Title: title, IsRequired: !optional})
				}
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "step title (repeatable, '?title' for optional)")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Category", "Steps", "Created By"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Category, len(t.Steps), t.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func templateInstantiateCmd() *cobra.Command {
	var opts engine.TemplateInstantiateOptions
	var priority string
	cmd := &cobra.Command{
		Use:   "instantiate <template-id>",
		Short: "Create a draft project from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TemplateID = args[0]
			opts.Priority = domain.Priority(priority)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InstantiateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "project title (defaults to the template name)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	return cmd
}
